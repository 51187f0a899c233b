package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/clawstore/clawstore/core"
)

// encodeRecord serializes a core.Record into the WAL's wire format:
// lsn:u64 | table_len:u8 | table | op:u8 | key_len:u32 | key | value_len:u32 | value
func encodeRecord(rec *core.Record) []byte {
	var buf bytes.Buffer
	buf.Grow(8 + 1 + len(rec.Table) + 1 + 4 + len(rec.Key) + 4 + len(rec.Value))

	var lsnBuf [8]byte
	binary.LittleEndian.PutUint64(lsnBuf[:], rec.LSN)
	buf.Write(lsnBuf[:])

	buf.WriteByte(byte(len(rec.Table)))
	buf.WriteString(rec.Table)

	buf.WriteByte(byte(rec.Op))

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(rec.Key)))
	buf.Write(lenBuf[:])
	buf.Write(rec.Key)

	valueLen := len(rec.Value)
	if rec.Op == core.OpDelete {
		valueLen = 0
	}
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(valueLen))
	buf.Write(lenBuf[:])
	if valueLen > 0 {
		buf.Write(rec.Value)
	}

	return buf.Bytes()
}

// decodeRecord parses a payload produced by encodeRecord.
func decodeRecord(payload []byte) (*core.Record, error) {
	r := bytes.NewReader(payload)
	rec := &core.Record{}

	var lsnBuf [8]byte
	if _, err := io.ReadFull(r, lsnBuf[:]); err != nil {
		return nil, fmt.Errorf("read lsn: %w", err)
	}
	rec.LSN = binary.LittleEndian.Uint64(lsnBuf[:])

	tableLen, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read table length: %w", err)
	}
	table := make([]byte, tableLen)
	if _, err := io.ReadFull(r, table); err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}
	rec.Table = string(table)

	op, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read op: %w", err)
	}
	rec.Op = core.Op(op)

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read key length: %w", err)
	}
	keyLen := binary.LittleEndian.Uint32(lenBuf[:])
	rec.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, rec.Key); err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read value length: %w", err)
	}
	valueLen := binary.LittleEndian.Uint32(lenBuf[:])
	if valueLen > 0 {
		rec.Value = make([]byte, valueLen)
		if _, err := io.ReadFull(r, rec.Value); err != nil {
			return nil, fmt.Errorf("read value: %w", err)
		}
	}

	return rec, nil
}
