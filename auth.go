package main

import (
	"crypto/md5"
	"encoding/hex"
)

// The identity layer issuing these tokens is outside this service; the node
// only verifies them.

func TokenMD5(secret, user, name, timestamp string) string {
	h := md5.New()
	h.Write([]byte(secret + user + name + timestamp))
	return hex.EncodeToString(h.Sum(nil))
}

func CheckTokenMD5(secret, user, name, timestamp, tk string) bool {
	return TokenMD5(secret, user, name, timestamp) == tk
}

func SignMD5(secret, data, timestamp string) string {
	h := md5.New()
	h.Write([]byte(secret + data + timestamp))
	return hex.EncodeToString(h.Sum(nil))
}

func CheckSignMD5(secret, data, timestamp, pk string) bool {
	return SignMD5(secret, data, timestamp) == pk
}
