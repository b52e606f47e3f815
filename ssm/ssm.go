// Package ssm holds the pieces shared by every part of sourcemerge:
// the log facade and the version string.
package ssm

// Version of the program
const Version = "v1.4.0"
