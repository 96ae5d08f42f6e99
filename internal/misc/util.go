package misc

import "strings"

func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such file")
}

// IsReservedCollectionName reports whether name is the case-insensitive
// literal reserved for standalone secrets.
func IsReservedCollectionName(name string) bool {
	return strings.EqualFold(name, ReservedStandaloneCollectionName)
}

