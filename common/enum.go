package common

import (
	"fmt"
	"reflect"
	"strings"
)

// EnumHelper maps between enum symbol methods and their values via
// reflection. An enum type declares one niladic method per symbol, each
// returning the symbol's value; String/Parse walk those methods.
type EnumHelper struct{}

type EnumSymbolInfo func(enumSymbolName string, enumSymbolValue interface{}) (stop bool)

func (EnumHelper) isValidEnumSymbolMethod(enumType reflect.Type, m reflect.Method) bool {
	// A symbol method must take 1 arg (the receiver) and return 1 value whose type matches the enum's type
	return m.Type.NumIn() == 1 && m.Type.NumOut() == 1 && m.Type.Out(0) == enumType
}

func (EnumHelper) findMethod(enumType reflect.Type, methodName string, caseInsensitive bool) (reflect.Method, bool) {
	if !caseInsensitive {
		return enumType.MethodByName(methodName)
	}
	methodName = strings.ToLower(methodName)
	for m := 0; m < enumType.NumMethod(); m++ {
		method := enumType.Method(m)
		if strings.ToLower(method.Name) == methodName {
			return method, true
		}
	}
	return reflect.Method{}, false
}

func (EnumHelper) EnumSymbols(enumType reflect.Type, esi EnumSymbolInfo) {
	args := [1]reflect.Value{reflect.Zero(enumType)}

	// Call enum methods looking for one that returns the same value we have
	for m := 0; m < enumType.NumMethod(); m++ {
		method := enumType.Method(m)
		if !(EnumHelper{}).isValidEnumSymbolMethod(enumType, method) {
			continue
		}
		value := method.Func.Call(args[:])[0].Convert(enumType).Interface()
		if esi(method.Name, value) {
			return
		}
	}
}

func (EnumHelper) String(enumValue interface{}, enumType reflect.Type) string {
	symbolResult := ""
	EnumHelper{}.EnumSymbols(enumType, func(symbol string, value interface{}) bool {
		if value == enumValue {
			symbolResult = symbol
			return true
		}
		return false
	})
	return symbolResult // Returns "" if no matching symbol found
}

func (EnumHelper) StringInteger(intValue interface{}, enumType reflect.Type) string {
	if symbolName := (EnumHelper{}).String(intValue, enumType); symbolName != "" {
		return symbolName
	}
	return fmt.Sprintf("%d", intValue) // No match, return the number as a string
}

func (EnumHelper) Parse(enumTypePtr reflect.Type, s string, caseInsensitive bool) (interface{}, error) {
	enumType := enumTypePtr.Elem() // Convert from *T to T
	if method, found := (EnumHelper{}).findMethod(enumType, s, caseInsensitive); found {
		args := [1]reflect.Value{reflect.Zero(enumType)}
		return method.Func.Call(args[:])[0].Convert(enumType).Interface(), nil
	}
	return nil, fmt.Errorf("couldn't parse %q into an instance of %q", s, enumType.Name())
}
