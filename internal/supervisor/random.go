package supervisor

import "crypto/rand"

const (
	saltLen = 16
	ivLen   = 12
)

func randomSaltAndIV() (salt, iv []byte, err error) {
	salt = make([]byte, saltLen)
	if _, err = rand.Read(salt); err != nil {
		return nil, nil, err
	}
	iv = make([]byte, ivLen)
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, err
	}
	return salt, iv, nil
}
