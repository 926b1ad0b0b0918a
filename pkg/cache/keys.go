package cache

import (
	"strconv"
)

const (
	// DefaultPrefix namespaces string-mode single entries and list entries.
	DefaultPrefix = "product"
	// DefaultHashPrefix namespaces hash-mode single entries.
	DefaultHashPrefix = "product:hash"
	// LegacyListPattern matches list keys written by older deployments.
	LegacyListPattern = "products:list:*"
)

// GenerateKey builds "<prefix>:<logical>". An empty prefix selects DefaultPrefix.
func GenerateKey(logical, prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ":" + logical
}

// GenerateHashKey builds the hash-mode key "<prefix>:<id>". An empty prefix
// selects DefaultHashPrefix.
func GenerateHashKey(id int64, prefix string) string {
	if prefix == "" {
		prefix = DefaultHashPrefix
	}
	return prefix + ":" + strconv.FormatInt(id, 10)
}

// SingleKey builds the string-mode key "<prefix>:single:<id>".
func SingleKey(id int64, prefix string) string {
	return GenerateKey("single:"+strconv.FormatInt(id, 10), prefix)
}

// ListKey builds the list key "<prefix>:list:<fingerprint>".
func ListKey(fingerprint, prefix string) string {
	return GenerateKey("list:"+fingerprint, prefix)
}

// listPattern is the SCAN pattern covering every list key under prefix.
func listPattern(prefix string) string {
	return GenerateKey("list:*", prefix)
}
