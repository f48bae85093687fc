package ggml

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strings"
)

type containerGGUF struct {
	ByteOrder binary.ByteOrder

	Version uint32

	V1 struct {
		NumTensor uint32
		NumKV     uint32
	}

	V2 struct {
		NumTensor uint64
		NumKV     uint64
	}

	V3 struct {
		NumTensor uint64
		NumKV     uint64
	}

	maxArraySize int
}

func (c *containerGGUF) canCollectArray(size int) bool {
	return c.maxArraySize < 0 || size <= c.maxArraySize
}

func (c *containerGGUF) Name() string {
	return "gguf"
}

func (c *containerGGUF) Decode(rs io.ReadSeeker) (model, error) {
	if err := binary.Read(rs, c.ByteOrder, &c.Version); err != nil {
		return nil, err
	}

	var err error
	switch c.Version {
	case 1:
		err = binary.Read(rs, c.ByteOrder, &c.V1)
	case 2:
		err = binary.Read(rs, c.ByteOrder, &c.V2)
	default:
		err = binary.Read(rs, c.ByteOrder, &c.V3)
	}
	if err != nil {
		return nil, err
	}

	model := newGGUF(c)
	if err := model.Decode(rs); err != nil {
		return nil, err
	}

	return model, nil
}

const (
	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

type gguf struct {
	*containerGGUF

	kv      KV
	tensors []*Tensor

	parameters   uint64
	tensorOffset uint64
}

func newGGUF(container *containerGGUF) *gguf {
	return &gguf{
		containerGGUF: container,
		kv:            make(KV),
	}
}

func (g *gguf) KV() KV {
	return g.kv
}

func (g *gguf) Tensors() Tensors {
	return Tensors{
		items:  g.tensors,
		Offset: g.tensorOffset,
	}
}

func (g *gguf) numTensor() uint64 {
	switch g.Version {
	case 1:
		return uint64(g.V1.NumTensor)
	case 2:
		return g.V2.NumTensor
	default:
		return g.V3.NumTensor
	}
}

func (g *gguf) numKV() uint64 {
	switch g.Version {
	case 1:
		return uint64(g.V1.NumKV)
	case 2:
		return g.V2.NumKV
	default:
		return g.V3.NumKV
	}
}

func (g *gguf) Decode(rs io.ReadSeeker) error {
	for i := 0; uint64(i) < g.numKV(); i++ {
		k, err := readGGUFString(g, rs)
		if err != nil {
			return err
		}

		t, err := readGGUF[uint32](g, rs)
		if err != nil {
			return err
		}

		var v any
		switch t {
		case ggufTypeUint8:
			v, err = readGGUF[uint8](g, rs)
		case ggufTypeInt8:
			v, err = readGGUF[int8](g, rs)
		case ggufTypeUint16:
			v, err = readGGUF[uint16](g, rs)
		case ggufTypeInt16:
			v, err = readGGUF[int16](g, rs)
		case ggufTypeUint32:
			v, err = readGGUF[uint32](g, rs)
		case ggufTypeInt32:
			v, err = readGGUF[int32](g, rs)
		case ggufTypeUint64:
			v, err = readGGUF[uint64](g, rs)
		case ggufTypeInt64:
			v, err = readGGUF[int64](g, rs)
		case ggufTypeFloat32:
			v, err = readGGUF[float32](g, rs)
		case ggufTypeFloat64:
			v, err = readGGUF[float64](g, rs)
		case ggufTypeBool:
			v, err = readGGUF[bool](g, rs)
		case ggufTypeString:
			v, err = readGGUFString(g, rs)
		case ggufTypeArray:
			v, err = readGGUFArray(g, rs)
		default:
			return fmt.Errorf("invalid type: %d", t)
		}

		if err != nil {
			return err
		}

		g.kv[k] = v
	}

	for range g.numTensor() {
		name, err := readGGUFString(g, rs)
		if err != nil {
			return err
		}

		dims, err := readGGUF[uint32](g, rs)
		if err != nil {
			return err
		}

		shape := make([]uint64, dims)
		for i := 0; uint32(i) < dims; i++ {
			shape[i], err = readGGUF[uint64](g, rs)
			if err != nil {
				return err
			}
		}

		kind, err := readGGUF[uint32](g, rs)
		if err != nil {
			return err
		}

		offset, err := readGGUF[uint64](g, rs)
		if err != nil {
			return err
		}

		tensor := Tensor{
			Name:   name,
			Kind:   kind,
			Offset: offset,
			Shape:  shape,
		}

		g.tensors = append(g.tensors, &tensor)
		g.parameters += tensor.Elements()
	}

	g.kv["general.parameter_count"] = g.parameters

	offset, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	padding := ggufPadding(offset, int64(g.kv.Alignment()))
	g.tensorOffset = uint64(offset + padding)

	// Palettized tensors carry their group count in their data. Pick it up
	// so Size reflects the real extent of each blob.
	for _, tensor := range g.tensors {
		if _, ok := TensorType(tensor.Kind).PaletteBits(); !ok {
			continue
		}

		if _, err := rs.Seek(int64(g.tensorOffset+tensor.Offset), io.SeekStart); err != nil {
			return err
		}

		var groups uint32
		if err := binary.Read(rs, binary.LittleEndian, &groups); err != nil {
			return err
		}
		if groups == 0 {
			groups = 1
		}

		tensor.Groups = groups
	}

	if _, err := rs.Seek(int64(g.tensorOffset), io.SeekStart); err != nil {
		return err
	}

	return nil
}

func readGGUF[T any](g *gguf, r io.Reader) (T, error) {
	var t T
	err := binary.Read(r, g.ByteOrder, &t)
	return t, err
}

func readGGUFV1String(g *gguf, r io.Reader) (string, error) {
	var length uint64
	if err := binary.Read(r, g.ByteOrder, &length); err != nil {
		return "", err
	}

	var b bytes.Buffer
	if _, err := io.CopyN(&b, r, int64(length)); err != nil {
		return "", err
	}

	// gguf v1 strings are null-terminated
	b.Truncate(b.Len() - 1)

	return b.String(), nil
}

func readGGUFString(g *gguf, r io.Reader) (string, error) {
	if g.Version == 1 {
		return readGGUFV1String(g, r)
	}

	var length uint64
	if err := binary.Read(r, g.ByteOrder, &length); err != nil {
		return "", err
	}

	var b bytes.Buffer
	if _, err := io.CopyN(&b, r, int64(length)); err != nil {
		return "", err
	}

	return b.String(), nil
}

func discardGGUFString(g *gguf, r io.Reader) error {
	var length uint64
	if err := binary.Read(r, g.ByteOrder, &length); err != nil {
		return err
	}

	_, err := io.CopyN(io.Discard, r, int64(length))
	return err
}

type array[T any] struct {
	// size is the length the array had in the file, even when values were
	// not collected.
	size int

	// values is nil if the array was longer than the configured limit.
	values []T
}

func (a *array[T]) Values() []T {
	return a.values
}

func (a *array[T]) Size() int {
	return a.size
}

func readGGUFArray(g *gguf, r io.Reader) (any, error) {
	t, err := readGGUF[uint32](g, r)
	if err != nil {
		return nil, err
	}

	var n uint64
	if g.Version == 1 {
		n32, err := readGGUF[uint32](g, r)
		if err != nil {
			return nil, err
		}
		n = uint64(n32)
	} else {
		if n, err = readGGUF[uint64](g, r); err != nil {
			return nil, err
		}
	}

	switch t {
	case ggufTypeUint8:
		return readGGUFArrayData[uint8](g, r, n)
	case ggufTypeInt8:
		return readGGUFArrayData[int8](g, r, n)
	case ggufTypeUint16:
		return readGGUFArrayData[uint16](g, r, n)
	case ggufTypeInt16:
		return readGGUFArrayData[int16](g, r, n)
	case ggufTypeUint32:
		return readGGUFArrayData[uint32](g, r, n)
	case ggufTypeInt32:
		return readGGUFArrayData[int32](g, r, n)
	case ggufTypeUint64:
		return readGGUFArrayData[uint64](g, r, n)
	case ggufTypeInt64:
		return readGGUFArrayData[int64](g, r, n)
	case ggufTypeFloat32:
		return readGGUFArrayData[float32](g, r, n)
	case ggufTypeFloat64:
		return readGGUFArrayData[float64](g, r, n)
	case ggufTypeBool:
		return readGGUFArrayData[bool](g, r, n)
	case ggufTypeString:
		return readGGUFArrayString(g, r, n)
	default:
		return nil, fmt.Errorf("invalid array type: %d", t)
	}
}

func readGGUFArrayData[T any](g *gguf, r io.Reader, n uint64) (*array[T], error) {
	a := &array[T]{size: int(n)}
	if g.canCollectArray(int(n)) {
		a.values = make([]T, 0, n)
	}

	for range n {
		e, err := readGGUF[T](g, r)
		if err != nil {
			return nil, err
		}

		if a.values != nil {
			a.values = append(a.values, e)
		}
	}

	return a, nil
}

func readGGUFArrayString(g *gguf, r io.Reader, n uint64) (*array[string], error) {
	a := &array[string]{size: int(n)}
	if !g.canCollectArray(int(n)) {
		for range n {
			if err := discardGGUFString(g, r); err != nil {
				return nil, err
			}
		}

		return a, nil
	}

	a.values = make([]string, 0, n)
	for range n {
		e, err := readGGUFString(g, r)
		if err != nil {
			return nil, err
		}

		a.values = append(a.values, e)
	}

	return a, nil
}

// WriteGGUF serializes metadata and tensors into a v3 little endian file.
// Tensors are written sorted by block then name, each aligned per
// general.alignment, and every tensor's WriterTo must produce exactly
// Size bytes. The general.parameter_count key is derived at decode time
// and never written.
func WriteGGUF(ws io.WriteSeeker, kv KV, ts []*Tensor) error {
	alignment := int64(kv.Alignment())

	keys := sortKeys(kv)
	keys = slices.DeleteFunc(keys, func(k string) bool {
		return k == "general.parameter_count"
	})

	if err := binary.Write(ws, binary.LittleEndian, uint32(FILE_MAGIC_GGUF_LE)); err != nil {
		return err
	}

	if err := binary.Write(ws, binary.LittleEndian, uint32(3)); err != nil {
		return err
	}

	if err := binary.Write(ws, binary.LittleEndian, uint64(len(ts))); err != nil {
		return err
	}

	if err := binary.Write(ws, binary.LittleEndian, uint64(len(keys))); err != nil {
		return err
	}

	for _, key := range keys {
		if err := ggufWriteKV(ws, key, kv[key]); err != nil {
			return err
		}
	}

	slices.SortStableFunc(ts, func(a, b *Tensor) int {
		if i, j := a.block(), b.block(); i != j {
			return cmp.Compare(i, j)
		}

		return cmp.Compare(a.Name, b.Name)
	})

	var s uint64
	for i := range ts {
		ts[i].Offset = s
		if err := ggufWriteTensorInfo(ws, ts[i]); err != nil {
			return err
		}

		size := ts[i].Size()
		s += size + uint64(ggufPadding(int64(size), alignment))
	}

	offset, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if err := ggufWritePadding(ws, offset, alignment); err != nil {
		return err
	}

	for _, t := range ts {
		if err := ggufWriteTensor(ws, t, alignment); err != nil {
			return err
		}
	}

	return nil
}

func ggufWriteKV(ws io.WriteSeeker, k string, v any) error {
	if err := binary.Write(ws, binary.LittleEndian, uint64(len(k))); err != nil {
		return err
	}

	if err := binary.Write(ws, binary.LittleEndian, []byte(k)); err != nil {
		return err
	}

	var err error
	switch v := v.(type) {
	case uint8:
		err = writeGGUF(ws, ggufTypeUint8, v)
	case int8:
		err = writeGGUF(ws, ggufTypeInt8, v)
	case uint16:
		err = writeGGUF(ws, ggufTypeUint16, v)
	case int16:
		err = writeGGUF(ws, ggufTypeInt16, v)
	case uint32:
		err = writeGGUF(ws, ggufTypeUint32, v)
	case int32:
		err = writeGGUF(ws, ggufTypeInt32, v)
	case uint64:
		err = writeGGUF(ws, ggufTypeUint64, v)
	case int64:
		err = writeGGUF(ws, ggufTypeInt64, v)
	case float32:
		err = writeGGUF(ws, ggufTypeFloat32, v)
	case float64:
		err = writeGGUF(ws, ggufTypeFloat64, v)
	case bool:
		err = writeGGUF(ws, ggufTypeBool, v)
	case string:
		err = writeGGUFString(ws, v)
	case []uint8:
		err = writeGGUFArray(ws, ggufTypeUint8, v)
	case []int8:
		err = writeGGUFArray(ws, ggufTypeInt8, v)
	case []uint16:
		err = writeGGUFArray(ws, ggufTypeUint16, v)
	case []int16:
		err = writeGGUFArray(ws, ggufTypeInt16, v)
	case []uint32:
		err = writeGGUFArray(ws, ggufTypeUint32, v)
	case []int32:
		err = writeGGUFArray(ws, ggufTypeInt32, v)
	case []uint64:
		err = writeGGUFArray(ws, ggufTypeUint64, v)
	case []int64:
		err = writeGGUFArray(ws, ggufTypeInt64, v)
	case []float32:
		err = writeGGUFArray(ws, ggufTypeFloat32, v)
	case []float64:
		err = writeGGUFArray(ws, ggufTypeFloat64, v)
	case []bool:
		err = writeGGUFArray(ws, ggufTypeBool, v)
	case []string:
		err = writeGGUFStringArray(ws, v)
	case *array[uint8]:
		err = writeGGUFDecodedArray(ws, ggufTypeUint8, k, v)
	case *array[int8]:
		err = writeGGUFDecodedArray(ws, ggufTypeInt8, k, v)
	case *array[uint16]:
		err = writeGGUFDecodedArray(ws, ggufTypeUint16, k, v)
	case *array[int16]:
		err = writeGGUFDecodedArray(ws, ggufTypeInt16, k, v)
	case *array[uint32]:
		err = writeGGUFDecodedArray(ws, ggufTypeUint32, k, v)
	case *array[int32]:
		err = writeGGUFDecodedArray(ws, ggufTypeInt32, k, v)
	case *array[uint64]:
		err = writeGGUFDecodedArray(ws, ggufTypeUint64, k, v)
	case *array[int64]:
		err = writeGGUFDecodedArray(ws, ggufTypeInt64, k, v)
	case *array[float32]:
		err = writeGGUFDecodedArray(ws, ggufTypeFloat32, k, v)
	case *array[float64]:
		err = writeGGUFDecodedArray(ws, ggufTypeFloat64, k, v)
	case *array[bool]:
		err = writeGGUFDecodedArray(ws, ggufTypeBool, k, v)
	case *array[string]:
		if v.values == nil && v.size > 0 {
			return fmt.Errorf("cannot write %s: array values were not decoded", k)
		}
		err = writeGGUFStringArray(ws, v.values)
	default:
		err = fmt.Errorf("improper type for '%s'", k)
	}

	return err
}

func writeGGUF[V any](w io.Writer, t uint32, v V) error {
	if err := binary.Write(w, binary.LittleEndian, t); err != nil {
		return err
	}

	return binary.Write(w, binary.LittleEndian, v)
}

func writeGGUFString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, ggufTypeString); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}

	_, err := io.Copy(w, strings.NewReader(s))
	return err
}

func writeGGUFArray[S ~[]E, E any](w io.Writer, t uint32, s S) error {
	if err := binary.Write(w, binary.LittleEndian, ggufTypeArray); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, t); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}

	return binary.Write(w, binary.LittleEndian, s)
}

func writeGGUFDecodedArray[T any](w io.Writer, t uint32, k string, a *array[T]) error {
	if a.values == nil && a.size > 0 {
		return fmt.Errorf("cannot write %s: array values were not decoded", k)
	}

	return writeGGUFArray(w, t, a.values)
}

func writeGGUFStringArray(w io.Writer, s []string) error {
	if err := binary.Write(w, binary.LittleEndian, ggufTypeArray); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, ggufTypeString); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}

	for _, e := range s {
		if err := binary.Write(w, binary.LittleEndian, uint64(len(e))); err != nil {
			return err
		}

		if err := binary.Write(w, binary.LittleEndian, []byte(e)); err != nil {
			return err
		}
	}

	return nil
}

func ggufWriteTensorInfo(ws io.WriteSeeker, t *Tensor) error {
	if err := binary.Write(ws, binary.LittleEndian, uint64(len(t.Name))); err != nil {
		return err
	}

	if err := binary.Write(ws, binary.LittleEndian, []byte(t.Name)); err != nil {
		return err
	}

	if err := binary.Write(ws, binary.LittleEndian, uint32(len(t.Shape))); err != nil {
		return err
	}

	for _, n := range t.Shape {
		if err := binary.Write(ws, binary.LittleEndian, n); err != nil {
			return err
		}
	}

	if err := binary.Write(ws, binary.LittleEndian, t.Kind); err != nil {
		return err
	}

	return binary.Write(ws, binary.LittleEndian, t.Offset)
}

func ggufWriteTensor(ws io.WriteSeeker, t *Tensor, alignment int64) error {
	n, err := t.WriteTo(ws)
	if err != nil {
		return err
	}

	if size := int64(t.Size()); n != size {
		return fmt.Errorf("%s: wrote %d bytes, want %d", t.Name, n, size)
	}

	return ggufWritePadding(ws, n, alignment)
}

func ggufWritePadding(w io.Writer, n, alignment int64) error {
	if padding := ggufPadding(n, alignment); padding > 0 {
		if err := binary.Write(w, binary.LittleEndian, bytes.Repeat([]byte{0}, int(padding))); err != nil {
			return err
		}
	}

	return nil
}

func ggufPadding(n, align int64) int64 {
	return (align - n%align) % align
}
