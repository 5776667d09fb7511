// Copyright © 2024 Dubplane <dev@dubplane.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dubplane/dubplane/auth"
	"github.com/dubplane/dubplane/common"
)

// user management runs against auth.db directly; it is how the first
// admin account gets created before the HTTP API has anyone to talk to.
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage accounts in the local auth database",
}

var userAddRole string

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create an account; the password is read from stdin",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var role common.UserRole
		if err := role.Parse(userAddRole); err != nil {
			fatal(ExitConfig, fmt.Errorf("--role must be one of viewer, operator, admin"))
		}
		password, err := readPassword()
		if err != nil {
			fatal(ExitConfig, err)
		}
		users := openAuthOrExit()
		defer users.Close()
		user, err := users.CreateUser(args[0], password, role)
		if err != nil {
			fatal(ExitRuntime, err)
		}
		fmt.Printf("created %s (%s)\n", user.Username, user.Role)
	},
}

var userDisableCmd = &cobra.Command{
	Use:   "disable <username>",
	Short: "Disable an account; its passwords, keys and refresh tokens stop working",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		users := openAuthOrExit()
		defer users.Close()
		if err := users.SetDisabled(args[0], true); err != nil {
			fatal(ExitRuntime, err)
		}
		fmt.Printf("disabled %s\n", args[0])
	},
}

var userEnableCmd = &cobra.Command{
	Use:   "enable <username>",
	Short: "Re-enable a disabled account",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		users := openAuthOrExit()
		defer users.Close()
		if err := users.SetDisabled(args[0], false); err != nil {
			fatal(ExitRuntime, err)
		}
		fmt.Printf("enabled %s\n", args[0])
	},
}

var apikeyLabel string

var userApikeyCmd = &cobra.Command{
	Use:   "apikey <username>",
	Short: "Issue an API key; the key is printed once and stored only hashed",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		users := openAuthOrExit()
		defer users.Close()
		key, err := users.CreateAPIKey(args[0], apikeyLabel)
		if err != nil {
			fatal(ExitRuntime, err)
		}
		fmt.Println(key)
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userAddRole, "role", "operator", "viewer | operator | admin")
	userApikeyCmd.Flags().StringVar(&apikeyLabel, "label", "", "Free-form label shown in audit logs")
	userCmd.AddCommand(userAddCmd, userDisableCmd, userEnableCmd, userApikeyCmd)
	rootCmd.AddCommand(userCmd)
}

func openAuthOrExit() *auth.Store {
	cfg := loadConfigOrExit()
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		fatal(ExitStorage, err)
	}
	users, err := auth.Open(cfg.StateDir, nil)
	if err != nil {
		fatal(ExitStorage, err)
	}
	return users
}

// readPassword takes the first line of stdin, so both interactive use and
// piping from a secret manager work.
func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
