// Package meta holds the small string map callers may attach to a
// transfer (order numbers, invoice ids). It is validated at the edge and
// stored with a stable JSON encoding so equal maps encode identically.
package meta

import (
    "bytes"
    "encoding/json"
    "fmt"
    "sort"

    "github.com/veslink/transferd/internal/errs"
)

// Metadata is caller-supplied annotation. It never influences transfer
// execution; it is stored and echoed back verbatim.
type Metadata map[string]string

const (
    MaxPairs     = 20
    MaxKeyLen    = 64
    MaxValLen    = 256
    MaxTotalJSON = 4096
)

// New copies m into a Metadata. A nil input becomes an empty map.
func New(m map[string]string) Metadata {
    out := make(Metadata, len(m))
    for k, v := range m { out[k] = v }
    return out
}

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
    out := make(Metadata, len(m))
    for k, v := range m { out[k] = v }
    return out
}

// Validate enforces the size limits. Violations carry ErrValidation so
// the transport layer can map them without inspecting the message.
func (m Metadata) Validate() error {
    if len(m) > MaxPairs {
        return fmt.Errorf("%w: metadata exceeds %d pairs", errs.ErrValidation, MaxPairs)
    }
    for k, v := range m {
        if len(k) == 0 || len(k) > MaxKeyLen {
            return fmt.Errorf("%w: metadata key must be 1-%d characters", errs.ErrValidation, MaxKeyLen)
        }
        if len(v) > MaxValLen {
            return fmt.Errorf("%w: metadata value exceeds %d characters", errs.ErrValidation, MaxValLen)
        }
    }
    b, err := m.MarshalStableJSON()
    if err != nil { return err }
    if len(b) > MaxTotalJSON {
        return fmt.Errorf("%w: metadata exceeds %d encoded bytes", errs.ErrValidation, MaxTotalJSON)
    }
    return nil
}

// MarshalStableJSON encodes with keys sorted, so the same map always
// produces the same bytes regardless of insertion order.
func (m Metadata) MarshalStableJSON() ([]byte, error) {
    if len(m) == 0 { return []byte("{}"), nil }
    keys := make([]string, 0, len(m))
    for k := range m { keys = append(keys, k) }
    sort.Strings(keys)
    buf := &bytes.Buffer{}
    buf.WriteByte('{')
    for i, k := range keys {
        kb, err := json.Marshal(k)
        if err != nil { return nil, err }
        vb, err := json.Marshal(m[k])
        if err != nil { return nil, err }
        buf.Write(kb)
        buf.WriteByte(':')
        buf.Write(vb)
        if i < len(keys)-1 { buf.WriteByte(',') }
    }
    buf.WriteByte('}')
    return buf.Bytes(), nil
}

func (m Metadata) MarshalJSON() ([]byte, error) { return m.MarshalStableJSON() }

func (m *Metadata) UnmarshalJSON(b []byte) error {
    if len(b) == 0 || bytes.Equal(b, []byte("null")) {
        *m = Metadata{}
        return nil
    }
    var tmp map[string]string
    if err := json.Unmarshal(b, &tmp); err != nil { return err }
    *m = New(tmp)
    return nil
}
