// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz) as models.Volume values.
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gonum.org/v1/gonum/mat"

	"flairstar/internal/models"
)

const headerSize = 348

// MaxVoxels bounds the voxel count a header may declare.
const MaxVoxels = 1 << 30

// voxels decoded per read
const readChunk = 1 << 16

// NIfTI-1 datatype codes
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

// header is the on-disk NIfTI-1 header.
type header struct {
	SizeofHdr    int32
	DataType     [10]byte
	DBName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte

	Dim        [8]int16
	IntentP1   float32
	IntentP2   float32
	IntentP3   float32
	IntentCode int16
	Datatype   int16
	Bitpix     int16
	SliceStart int16
	Pixdim     [8]float32
	VoxOffset  float32
	SclSlope   float32
	SclInter   float32
	SliceEnd   int16
	SliceCode  byte
	XYZTUnits  byte
	CalMax     float32
	CalMin     float32
	SliceDur   float32
	TOffset    float32
	GLMax      int32
	GLMin      int32

	Descrip [80]byte
	AuxFile [24]byte

	QformCode int16
	SformCode int16
	QuaternB  float32
	QuaternC  float32
	QuaternD  float32
	QoffsetX  float32
	QoffsetY  float32
	QoffsetZ  float32
	SrowX     [4]float32
	SrowY     [4]float32
	SrowZ     [4]float32

	IntentName [16]byte
	Magic      [4]byte
}

// Load reads the volume at path. Gzip compression is detected from content.
func Load(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vol, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return vol, nil
}

// Read decodes a NIfTI-1 stream, gzip-compressed or not. Only the first
// volume of a 4D series is returned.
func Read(r io.Reader) (*models.Volume, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		br = bufio.NewReader(gz)
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("short header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != headerSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(raw)) != headerSize {
			return nil, fmt.Errorf("not a NIfTI-1 file")
		}
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, err
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("unsupported magic %q", h.Magic[:3])
	}
	if h.Dim[0] < 3 {
		return nil, fmt.Errorf("volume has %d dimensions, want at least 3", h.Dim[0])
	}

	w, ht, d := int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])
	if w <= 0 || ht <= 0 || d <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%dx%d", w, ht, d)
	}

	skip := int(h.VoxOffset) - headerSize
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, br, int64(skip)); err != nil {
			return nil, fmt.Errorf("skip extensions: %w", err)
		}
	}

	vol := &models.Volume{Width: w, Height: ht, Depth: d, Affine: affineOf(&h)}
	data, err := readSamples(br, order, int(h.Datatype), w*ht*d)
	if err != nil {
		return nil, err
	}
	if h.SclSlope != 0 && !math.IsNaN(float64(h.SclSlope)) {
		slope, inter := float64(h.SclSlope), float64(h.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}
	vol.Data = data
	return vol, nil
}

// readSamples decodes n voxels. Buffers grow with the data actually read, so
// a header that overstates its dimensions fails on the short read instead of
// forcing one large allocation up front.
func readSamples(r io.Reader, order binary.ByteOrder, datatype, n int) ([]float64, error) {
	var size int
	switch datatype {
	case DTUint8, DTInt8:
		size = 1
	case DTInt16, DTUint16:
		size = 2
	case DTInt32, DTUint32, DTFloat32:
		size = 4
	case DTFloat64:
		size = 8
	default:
		return nil, fmt.Errorf("unsupported datatype %d", datatype)
	}
	if n > MaxVoxels {
		return nil, fmt.Errorf("volume has %d voxels, limit is %d", n, MaxVoxels)
	}

	out := make([]float64, 0, min(n, readChunk))
	buf := make([]byte, min(n, readChunk)*size)
	for len(out) < n {
		count := min(n-len(out), readChunk)
		chunk := buf[:count*size]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, fmt.Errorf("short voxel data after %d of %d voxels: %w", len(out), n, err)
		}
		for i := 0; i < count; i++ {
			out = append(out, decode(chunk[i*size:], order, datatype))
		}
	}
	return out, nil
}

func decode(b []byte, order binary.ByteOrder, datatype int) float64 {
	switch datatype {
	case DTUint8:
		return float64(b[0])
	case DTInt8:
		return float64(int8(b[0]))
	case DTInt16:
		return float64(int16(order.Uint16(b)))
	case DTUint16:
		return float64(order.Uint16(b))
	case DTInt32:
		return float64(int32(order.Uint32(b)))
	case DTUint32:
		return float64(order.Uint32(b))
	case DTFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	default:
		return math.Float64frombits(order.Uint64(b))
	}
}

// affineOf prefers the sform, then the qform, then a pixdim scaling.
func affineOf(h *header) *mat.Dense {
	switch {
	case h.SformCode > 0:
		a := mat.NewDense(4, 4, nil)
		for c := 0; c < 4; c++ {
			a.Set(0, c, float64(h.SrowX[c]))
			a.Set(1, c, float64(h.SrowY[c]))
			a.Set(2, c, float64(h.SrowZ[c]))
		}
		a.Set(3, 3, 1)
		return a
	case h.QformCode > 0:
		return qformAffine(h)
	default:
		return models.DiagonalAffine(pixdim(h.Pixdim[1]), pixdim(h.Pixdim[2]), pixdim(h.Pixdim[3]))
	}
}

func pixdim(v float32) float64 {
	if v <= 0 || math.IsNaN(float64(v)) {
		return 1
	}
	return float64(v)
}

func qformAffine(h *header) *mat.Dense {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// 180 degree rotation: renormalise the vector part
		n := math.Sqrt(b*b + c*c + d*d)
		b, c, d = b/n, c/n, d/n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := 1.0
	if h.Pixdim[0] < 0 {
		qfac = -1
	}
	dx, dy, dz := pixdim(h.Pixdim[1]), pixdim(h.Pixdim[2]), pixdim(h.Pixdim[3])*qfac

	rot := mat.NewDense(3, 3, []float64{
		a*a + b*b - c*c - d*d, 2*b*c - 2*a*d, 2*b*d + 2*a*c,
		2*b*c + 2*a*d, a*a + c*c - b*b - d*d, 2*c*d - 2*a*b,
		2*b*d - 2*a*c, 2*c*d + 2*a*b, a*a + d*d - c*c - b*b,
	})
	var scaled mat.Dense
	scaled.Mul(rot, mat.NewDiagDense(3, []float64{dx, dy, dz}))

	out := mat.NewDense(4, 4, nil)
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			out.Set(r, col, scaled.At(r, col))
		}
	}
	out.Set(0, 3, float64(h.QoffsetX))
	out.Set(1, 3, float64(h.QoffsetY))
	out.Set(2, 3, float64(h.QoffsetZ))
	out.Set(3, 3, 1)
	return out
}

// Save writes vol to path as float32 with an sform. Paths ending in ".gz"
// are gzip-compressed.
func Save(path string, vol *models.Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if err := Write(w, vol); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return f.Close()
}

// Write encodes vol as an uncompressed little endian NIfTI-1 stream.
func Write(w io.Writer, vol *models.Volume) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	affine := vol.Affine
	if affine == nil {
		affine = models.IdentityAffine()
	}
	spacing := vol.Spacing()

	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: headerSize + 4,
		SclSlope:  1,
		XYZTUnits: 2, // millimetres
		SformCode: 2, // aligned
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(vol.Width), int16(vol.Height), int16(vol.Depth), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(spacing[0]), float32(spacing[1]), float32(spacing[2]), 1, 1, 1, 1}
	for c := 0; c < 4; c++ {
		h.SrowX[c] = float32(affine.At(0, c))
		h.SrowY[c] = float32(affine.At(1, c))
		h.SrowZ[c] = float32(affine.At(2, c))
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return err
	}
	// empty extension block
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, v := range vol.Data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}
