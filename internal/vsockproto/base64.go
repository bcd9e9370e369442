package vsockproto

import "encoding/base64"

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeChunkData decodes the base64 payload of a ChunkResponse.
func DecodeChunkData(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}
