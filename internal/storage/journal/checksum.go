package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 記錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// Checksum 計算記錄的 CRC32 校驗和
//
// 涵蓋除了 Checksum 以外的所有欄位，固定長度欄位以 little-endian 寫入，
// 字串欄位以長度前綴避免拼接歧義。
func Checksum(e Entry) uint32 {
	h := crc32.NewIEEE()
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], e.Seq)
	h.Write(b[:])
	writeString(h.Write, string(e.Kind))
	binary.LittleEndian.PutUint32(b[:4], uint32(e.Job))
	h.Write(b[:4])
	binary.LittleEndian.PutUint32(b[:4], uint32(e.Rank))
	h.Write(b[:4])
	writeString(h.Write, e.State)
	binary.LittleEndian.PutUint64(b[:], uint64(int64(e.ExitCode)))
	h.Write(b[:])
	binary.LittleEndian.PutUint64(b[:], uint64(e.Timestamp))
	h.Write(b[:])

	return h.Sum32()
}

func writeString(write func([]byte) (int, error), s string) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	write(n[:])
	write([]byte(s))
}

// Verify 驗證記錄的校驗和是否正確
func Verify(e Entry) bool {
	return e.Checksum == Checksum(e)
}
