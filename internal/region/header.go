package region

import "encoding/binary"

func putHeader(b []byte, h header) {
	binary.LittleEndian.PutUint64(b[0:8], h.Magic)
	binary.LittleEndian.PutUint32(b[8:12], h.Version)
	binary.LittleEndian.PutUint32(b[12:16], h.Generation)
	binary.LittleEndian.PutUint32(b[16:20], h.NumCPU)
}

func getHeader(b []byte) header {
	return header{
		Magic:      binary.LittleEndian.Uint64(b[0:8]),
		Version:    binary.LittleEndian.Uint32(b[8:12]),
		Generation: binary.LittleEndian.Uint32(b[12:16]),
		NumCPU:     binary.LittleEndian.Uint32(b[16:20]),
	}
}
