package proofchain

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/roach88/shield/internal/ir"
)

// Export is an offline copy of the ledger for auditors. It is encoded as
// Core Deterministic CBOR and compressed with zstd, so the same records
// always produce the same file.
type Export struct {
	PayloadVersion string           `cbor:"1,keyasint"`
	EngineVersion  string           `cbor:"2,keyasint"`
	ExportedAt     int64            `cbor:"3,keyasint"`
	Head           string           `cbor:"4,keyasint"`
	Records        []ir.ProofRecord `cbor:"5,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("proofchain: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("proofchain: CBOR decoder initialization failed: " + err.Error())
	}

	// Encoder and decoder are used only through EncodeAll/DecodeAll,
	// which are safe for concurrent use.
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("proofchain: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("proofchain: zstd decoder initialization failed: " + err.Error())
	}
}

// NewExport builds an export of recs taken at the given time.
func NewExport(recs []ir.ProofRecord, at time.Time) Export {
	head := ir.GenesisHash
	if len(recs) > 0 {
		head = recs[len(recs)-1].RecordHash
	}
	return Export{
		PayloadVersion: ir.PayloadVersion,
		EngineVersion:  ir.EngineVersion,
		ExportedAt:     at.UnixNano(),
		Head:           head,
		Records:        recs,
	}
}

// WriteExport encodes exp to w.
func WriteExport(w io.Writer, exp Export) error {
	raw, err := encMode.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	if _, err := w.Write(zstdEncoder.EncodeAll(raw, nil)); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// ReadExport decodes an export written by WriteExport.
func ReadExport(r io.Reader) (Export, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return Export{}, fmt.Errorf("read export: %w", err)
	}
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return Export{}, fmt.Errorf("decompress export: %w", err)
	}
	var exp Export
	if err := decMode.Unmarshal(raw, &exp); err != nil {
		return Export{}, fmt.Errorf("decode export: %w", err)
	}
	return exp, nil
}

// Audit verifies an export offline. Besides the record checks it confirms
// that the declared head matches the last record.
func Audit(exp Export) Result {
	res := VerifyRecords(exp.Records)
	if !res.Valid {
		return res
	}
	head := ir.GenesisHash
	if n := len(exp.Records); n > 0 {
		head = exp.Records[n-1].RecordHash
	}
	if head != exp.Head {
		return Result{
			FirstInvalid: max(int64(len(exp.Records))-1, 0),
			Count:        int64(len(exp.Records)),
			Reason:       "declared head does not match last record",
		}
	}
	return res
}

// Import copies a verified export into an empty backend.
func Import(ctx context.Context, backend Backend, exp Export) error {
	if res := Audit(exp); !res.Valid {
		return ir.NewError(ir.CodeIntegrityViolation, "export invalid at record %d: %s", res.FirstInvalid, res.Reason)
	}
	if _, ok, err := backend.Last(ctx); err != nil {
		return fmt.Errorf("import: %w", err)
	} else if ok {
		return fmt.Errorf("import: target ledger is not empty")
	}
	for _, rec := range exp.Records {
		if err := backend.Append(ctx, rec); err != nil {
			return fmt.Errorf("import record %d: %w", rec.Seq, err)
		}
	}
	return nil
}
