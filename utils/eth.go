package utils

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// VerifyMessageSignature recovers the address that produced an
// eth_sign/personal_sign signature over msg and compares it
// case-insensitively to claimedSigner. Malformed signatures return false,
// never an error.
func VerifyMessageSignature(claimedSigner, msg, signature string) bool {
	msgForHashing := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg)) + msg
	msgHash := crypto.Keccak256Hash([]byte(msgForHashing))

	signatureParsed, err := hex.DecodeString(strings.Replace(signature, "0x", "", -1))
	if err != nil {
		return false
	}
	if len(signatureParsed) != 65 {
		return false
	}
	if signatureParsed[64] == 27 || signatureParsed[64] == 28 {
		signatureParsed[64] -= 27
	}

	recoveredPubkey, err := crypto.SigToPub(msgHash.Bytes(), signatureParsed)
	if err != nil {
		return false
	}
	recoveredAddress := crypto.PubkeyToAddress(*recoveredPubkey)

	return strings.EqualFold(claimedSigner, recoveredAddress.Hex())
}

// SignMessage produces a personal_sign-compatible signature over msg with the
// given hex-encoded private key. Used by tests and tooling.
func SignMessage(privateKeyHex, msg string) (string, error) {
	key, err := crypto.HexToECDSA(strings.Replace(privateKeyHex, "0x", "", -1))
	if err != nil {
		return "", err
	}
	msgForHashing := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg)) + msg
	msgHash := crypto.Keccak256Hash([]byte(msgForHashing))
	sig, err := crypto.Sign(msgHash.Bytes(), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}
