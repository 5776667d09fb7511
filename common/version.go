package common

// DubplaneVersion is stamped into logs and the /health payload.
const DubplaneVersion = "1.3.0"

const UserAgent = "dubplane/" + DubplaneVersion
