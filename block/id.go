// Package block maps byte spans of a virtual file onto fixed-size blocks,
// names those blocks and decides which backends hold them.
package block

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// FileKey is the stable storage name of a virtual file. It only depends on
// the file name so that blocks can be found again after a restart.
func FileKey(name string) string {
	return digest(name)
}

// Prefix is the key prefix shared by every block of the file.
func Prefix(fileKey string) string {
	return fileKey + "-"
}

// ID names block index of the file. The file key and the index are hashed
// separately and then together, so that neighbouring indexes of different
// files never share a key.
func ID(fileKey string, index int64) string {
	return Prefix(fileKey) + digest(digest(fileKey)+digest(strconv.FormatInt(index, 10)))
}
