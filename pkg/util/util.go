package util

import (
	"crypto/rand"
	"math/big"
	"os"
)

func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

const randomLetters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func GenerateRandomString(n int) string {
	ret := make([]byte, n)
	for i := 0; i < n; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(randomLetters))))
		if err != nil {
			panic("random number generation failed")
		}
		ret[i] = randomLetters[num.Int64()]
	}
	return string(ret)
}
