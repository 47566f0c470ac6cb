package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"

	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// paramRecord is the on-disk form of one named tensor.
type paramRecord struct {
	Name  string
	Shape []int
	Data  []float64
}

// encodeParams copies params and compresses them using gob encoding and
// gzip compression.
func encodeParams(params []nn.Param) ([]byte, error) {
	records := make([]paramRecord, len(params))
	for i, p := range params {
		records[i] = paramRecord{
			Name:  p.Name,
			Shape: p.Value.Shape(),
			Data:  append([]float64(nil), p.Value.Data()...),
		}
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(records); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeParams decompresses and decodes a gob+gzip parameter blob.
func decodeParams(blob []byte) ([]nn.Param, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty parameter blob")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var records []paramRecord
	if err := gob.NewDecoder(gz).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode parameters: %w", err)
	}
	params := make([]nn.Param, len(records))
	for i, r := range records {
		if tensor.Numel(r.Shape) != len(r.Data) {
			return nil, fmt.Errorf("parameter %s: shape %v holds %d values, blob has %d",
				r.Name, r.Shape, tensor.Numel(r.Shape), len(r.Data))
		}
		params[i] = nn.Param{Name: r.Name, Value: tensor.New(r.Shape, r.Data)}
	}
	return params, nil
}
