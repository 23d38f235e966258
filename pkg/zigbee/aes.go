package zigbee

import "crypto/aes"

// aesBlockSize is the AES block size in bytes (also the Green Power nonce
// padding unit).
const aesBlockSize = 16

// cbcMacChain runs AES-128 CBC-MAC over blocks (each exactly aesBlockSize
// bytes — callers must pad with 0x00 first) and returns the final cipher
// state. Each block is XORed with the running state before encryption, per
// §4.A; there is no separate IV parameter here because Green Power MIC
// computation always starts from an all-zero state.
func cbcMacChain(key [16]byte, blocks []byte) ([aesBlockSize]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return [aesBlockSize]byte{}, err
	}

	var state [aesBlockSize]byte
	for off := 0; off+aesBlockSize <= len(blocks); off += aesBlockSize {
		var xored [aesBlockSize]byte
		for i := 0; i < aesBlockSize; i++ {
			xored[i] = state[i] ^ blocks[off+i]
		}
		block.Encrypt(state[:], xored[:])
	}

	return state, nil
}

// padToBlock zero-pads data to the next AES block boundary, per §4.H step 3.
func padToBlock(data []byte) []byte {
	rem := len(data) % aesBlockSize
	if rem == 0 {
		return data
	}
	padded := make([]byte, len(data)+(aesBlockSize-rem))
	copy(padded, data)
	return padded
}
