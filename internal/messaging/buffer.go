// ============================================================================
// gridlaunch 訊息緩衝區 - 逐欄位打包/解包的型別化 buffer
// ============================================================================
//
// Package: internal/messaging
// 文件: buffer.go
//
// 編碼:
//   每個欄位以 protobuf wire format 寫出，field number 即資料型別代碼。
//   解包時型別代碼不符即回傳 ErrTypeMismatch，資料不足回傳 ErrShortBuffer。
//   欄位順序由呼叫端決定，報告格式的順序即為互通契約。
//
// ============================================================================

package messaging

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

var (
	// 解包時型別不符
	ErrTypeMismatch = errors.New("buffer: data type mismatch")
	// 資料不足
	ErrShortBuffer = errors.New("buffer: short read")
)

// DataType 欄位的資料型別代碼
type DataType protowire.Number

const (
	TypeCmd DataType = iota + 1
	TypeJobID
	TypeRank
	TypePid
	TypeProcState
	TypeJobState
	TypeExitCode
	TypeInt32
	TypeUint32
	TypeInt64
	TypeBool
	TypeString
	TypeBytes
)

var dataTypeNames = map[DataType]string{
	TypeCmd: "cmd", TypeJobID: "jobid", TypeRank: "rank", TypePid: "pid",
	TypeProcState: "proc_state", TypeJobState: "job_state", TypeExitCode: "exit_code",
	TypeInt32: "int32", TypeUint32: "uint32", TypeInt64: "int64", TypeBool: "bool",
	TypeString: "string", TypeBytes: "bytes",
}

func (d DataType) String() string {
	if n, ok := dataTypeNames[d]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", int(d))
}

// Buffer 型別化的訊息緩衝區
type Buffer struct {
	data []byte
	off  int
}

// NewBuffer 建立空 buffer
func NewBuffer() *Buffer { return &Buffer{} }

// FromBytes 以收到的資料建立 buffer，用於解包
func FromBytes(b []byte) *Buffer { return &Buffer{data: b} }

// Bytes 已打包的資料
func (b *Buffer) Bytes() []byte { return b.data }

// Len 已打包的位元組數
func (b *Buffer) Len() int { return len(b.data) }

// Remaining 尚未解包的位元組數
func (b *Buffer) Remaining() int { return len(b.data) - b.off }

// Clone 複製目前內容（解包位置歸零）
func (b *Buffer) Clone() *Buffer {
	return &Buffer{data: append([]byte(nil), b.data...)}
}

// ============================================================================
// Pack
// ============================================================================

func (b *Buffer) packVarint(t DataType, v uint64) {
	b.data = protowire.AppendTag(b.data, protowire.Number(t), protowire.VarintType)
	b.data = protowire.AppendVarint(b.data, v)
}

func (b *Buffer) packSigned(t DataType, v int64) {
	b.packVarint(t, protowire.EncodeZigZag(v))
}

func (b *Buffer) PackCmd(c Cmd)                   { b.packVarint(TypeCmd, uint64(c)) }
func (b *Buffer) PackJobID(j types.JobID)         { b.packVarint(TypeJobID, uint64(j)) }
func (b *Buffer) PackRank(r types.Rank)           { b.packVarint(TypeRank, uint64(r)) }
func (b *Buffer) PackPid(pid int)                 { b.packSigned(TypePid, int64(pid)) }
func (b *Buffer) PackProcState(s types.ProcState) { b.packVarint(TypeProcState, uint64(s)) }
func (b *Buffer) PackJobState(s types.JobState)   { b.packVarint(TypeJobState, uint64(s)) }
func (b *Buffer) PackExitCode(code int)           { b.packSigned(TypeExitCode, int64(code)) }
func (b *Buffer) PackInt32(v int32)               { b.packSigned(TypeInt32, int64(v)) }
func (b *Buffer) PackUint32(v uint32)             { b.packVarint(TypeUint32, uint64(v)) }
func (b *Buffer) PackInt64(v int64)               { b.packSigned(TypeInt64, v) }

// PackBool 布林欄位
func (b *Buffer) PackBool(v bool) {
	b.packVarint(TypeBool, protowire.EncodeBool(v))
}

// PackString 字串欄位
func (b *Buffer) PackString(s string) {
	b.data = protowire.AppendTag(b.data, protowire.Number(TypeString), protowire.BytesType)
	b.data = protowire.AppendString(b.data, s)
}

// PackBytes 位元組欄位
func (b *Buffer) PackBytes(p []byte) {
	b.data = protowire.AppendTag(b.data, protowire.Number(TypeBytes), protowire.BytesType)
	b.data = protowire.AppendBytes(b.data, p)
}

// PackStrings 長度 + 每個字串
func (b *Buffer) PackStrings(ss []string) {
	b.PackInt32(int32(len(ss)))
	for _, s := range ss {
		b.PackString(s)
	}
}

// ============================================================================
// Unpack
// ============================================================================

func (b *Buffer) consumeTag(want DataType, wantWire protowire.Type) error {
	if b.off >= len(b.data) {
		return ErrShortBuffer
	}
	num, typ, n := protowire.ConsumeTag(b.data[b.off:])
	if n < 0 {
		return fmt.Errorf("%w: %v", ErrShortBuffer, protowire.ParseError(n))
	}
	if DataType(num) != want || typ != wantWire {
		return fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, want, DataType(num))
	}
	b.off += n
	return nil
}

func (b *Buffer) unpackVarint(t DataType) (uint64, error) {
	start := b.off
	if err := b.consumeTag(t, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(b.data[b.off:])
	if n < 0 {
		b.off = start
		return 0, fmt.Errorf("%w: %v", ErrShortBuffer, protowire.ParseError(n))
	}
	b.off += n
	return v, nil
}

func (b *Buffer) unpackSigned(t DataType) (int64, error) {
	v, err := b.unpackVarint(t)
	if err != nil {
		return 0, err
	}
	return protowire.DecodeZigZag(v), nil
}

// UnpackCmd 解包命令
func (b *Buffer) UnpackCmd() (Cmd, error) {
	v, err := b.unpackVarint(TypeCmd)
	return Cmd(v), err
}

// UnpackJobID 解包 job id
func (b *Buffer) UnpackJobID() (types.JobID, error) {
	v, err := b.unpackVarint(TypeJobID)
	return types.JobID(v), err
}

// UnpackRank 解包 rank
func (b *Buffer) UnpackRank() (types.Rank, error) {
	v, err := b.unpackVarint(TypeRank)
	return types.Rank(v), err
}

// UnpackPid 解包 pid
func (b *Buffer) UnpackPid() (int, error) {
	v, err := b.unpackSigned(TypePid)
	return int(v), err
}

// UnpackProcState 解包 proc 狀態
func (b *Buffer) UnpackProcState() (types.ProcState, error) {
	v, err := b.unpackVarint(TypeProcState)
	return types.ProcState(v), err
}

// UnpackJobState 解包 job 狀態
func (b *Buffer) UnpackJobState() (types.JobState, error) {
	v, err := b.unpackVarint(TypeJobState)
	return types.JobState(v), err
}

// UnpackExitCode 解包結束碼
func (b *Buffer) UnpackExitCode() (int, error) {
	v, err := b.unpackSigned(TypeExitCode)
	return int(v), err
}

// UnpackInt32 解包 int32
func (b *Buffer) UnpackInt32() (int32, error) {
	v, err := b.unpackSigned(TypeInt32)
	return int32(v), err
}

// UnpackUint32 解包 uint32
func (b *Buffer) UnpackUint32() (uint32, error) {
	v, err := b.unpackVarint(TypeUint32)
	return uint32(v), err
}

// UnpackInt64 解包 int64
func (b *Buffer) UnpackInt64() (int64, error) {
	return b.unpackSigned(TypeInt64)
}

// UnpackBool 解包布林
func (b *Buffer) UnpackBool() (bool, error) {
	v, err := b.unpackVarint(TypeBool)
	return protowire.DecodeBool(v), err
}

func (b *Buffer) unpackBytes(t DataType) ([]byte, error) {
	start := b.off
	if err := b.consumeTag(t, protowire.BytesType); err != nil {
		return nil, err
	}
	v, n := protowire.ConsumeBytes(b.data[b.off:])
	if n < 0 {
		b.off = start
		return nil, fmt.Errorf("%w: %v", ErrShortBuffer, protowire.ParseError(n))
	}
	b.off += n
	return v, nil
}

// UnpackString 解包字串
func (b *Buffer) UnpackString() (string, error) {
	v, err := b.unpackBytes(TypeString)
	return string(v), err
}

// UnpackBytes 解包位元組（回傳副本）
func (b *Buffer) UnpackBytes() ([]byte, error) {
	v, err := b.unpackBytes(TypeBytes)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

// UnpackStrings 解包 PackStrings 的結果
func (b *Buffer) UnpackStrings() ([]string, error) {
	n, err := b.UnpackInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative count %d", ErrTypeMismatch, n)
	}
	out := make([]string, 0, n)
	for i := int32(0); i < n; i++ {
		s, err := b.UnpackString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
