package service

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	CodeLength   = 6
)

type CodeGenerator interface {
	Generate() (string, error)
}

type RandomCodeGenerator struct{}

func NewRandomCodeGenerator() *RandomCodeGenerator {
	return &RandomCodeGenerator{}
}

func (RandomCodeGenerator) Generate() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, CodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
