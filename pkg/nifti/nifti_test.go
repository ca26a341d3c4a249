package nifti

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"flairstar/internal/models"
)

func testVolume() *models.Volume {
	v := models.NewVolume(4, 3, 2)
	for i := range v.Data {
		v.Data[i] = float64(i) * 1.5
	}
	v.Affine = mat.NewDense(4, 4, []float64{
		-0.5, 0, 0, 90,
		0, 0.5, 0, -126,
		0, 0, 3, -72,
		0, 0, 0, 1,
	})
	return v
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			src := testVolume()
			require.NoError(t, Save(path, src))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, src.Dims(), got.Dims())
			assert.InDeltaSlice(t, src.Data, got.Data, 1e-6)
			assert.True(t, mat.EqualApprox(src.Affine, got.Affine, 1e-6))
			assert.InDelta(t, 3, got.Spacing()[2], 1e-6)
		})
	}
}

// rawHeader builds a minimal header for hand-encoded fixtures.
func rawHeader(datatype, bitpix int16, dims [3]int16) header {
	return header{
		SizeofHdr: headerSize,
		Dim:       [8]int16{3, dims[0], dims[1], dims[2], 1, 1, 1, 1},
		Datatype:  datatype,
		Bitpix:    bitpix,
		Pixdim:    [8]float32{1, 2, 2, 4},
		VoxOffset: headerSize + 4,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
}

func encode(t *testing.T, order binary.ByteOrder, h header, samples interface{}) *bytes.Buffer {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, order, &h))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, order, samples))
	return &buf
}

func TestReadInt16WithScaling(t *testing.T) {
	h := rawHeader(DTInt16, 16, [3]int16{2, 1, 2})
	h.SclSlope = 2
	h.SclInter = -1

	vol, err := Read(encode(t, binary.LittleEndian, h, []int16{-3, 0, 5, 100}))
	require.NoError(t, err)
	assert.Equal(t, []float64{-7, -1, 9, 199}, vol.Data)
	// no sform or qform: pixdim scaling
	assert.Equal(t, [3]float64{2, 2, 4}, vol.Spacing())
}

func TestReadBigEndianUint8(t *testing.T) {
	h := rawHeader(DTUint8, 8, [3]int16{2, 2, 1})
	vol, err := Read(encode(t, binary.BigEndian, h, []uint8{1, 2, 3, 255}))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 255}, vol.Data)
}

func TestReadQform(t *testing.T) {
	h := rawHeader(DTFloat32, 32, [3]int16{1, 1, 1})
	h.QformCode = 1
	// 90 degrees about z: b=c=0, d=sin(45)
	h.QuaternD = 0.70710678
	h.QoffsetX, h.QoffsetY, h.QoffsetZ = 10, 20, 30

	vol, err := Read(encode(t, binary.LittleEndian, h, []float32{7}))
	require.NoError(t, err)

	want := mat.NewDense(4, 4, []float64{
		0, -2, 0, 10,
		2, 0, 0, 20,
		0, 0, 4, 30,
		0, 0, 0, 1,
	})
	assert.True(t, mat.EqualApprox(want, vol.Affine, 1e-5), "affine %v", mat.Formatted(vol.Affine))
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read(bytes.NewReader(make([]byte, 10)))
	assert.Error(t, err)

	_, err = Read(bytes.NewReader(make([]byte, 400)))
	assert.Error(t, err)

	h := rawHeader(1234, 8, [3]int16{1, 1, 1})
	_, err = Read(encode(t, binary.LittleEndian, h, []uint8{1}))
	assert.Error(t, err)

	h = rawHeader(DTUint8, 8, [3]int16{2, 2, 2})
	_, err = Read(encode(t, binary.LittleEndian, h, []uint8{1}))
	assert.Error(t, err)
}

func TestReadBoundsDeclaredSize(t *testing.T) {
	h := rawHeader(DTUint8, 8, [3]int16{32767, 32767, 4})
	_, err := Read(encode(t, binary.LittleEndian, h, []uint8{1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")

	// within the limit but truncated: fails on the first chunk
	h = rawHeader(DTFloat32, 32, [3]int16{1024, 1024, 512})
	_, err = Read(encode(t, binary.LittleEndian, h, []float32{1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 0 of 536870912 voxels")
}

func TestReadAcrossChunks(t *testing.T) {
	n := readChunk + 8
	samples := make([]uint16, n)
	for i := range samples {
		samples[i] = uint16(i % 4096)
	}
	h := rawHeader(DTUint16, 16, [3]int16{int16(n / 8), 8, 1})
	vol, err := Read(encode(t, binary.LittleEndian, h, samples))
	require.NoError(t, err)
	require.Len(t, vol.Data, n)
	assert.Equal(t, float64(readChunk%4096), vol.Data[readChunk])
	assert.Equal(t, float64((n-1)%4096), vol.Data[n-1])
}
