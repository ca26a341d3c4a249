package reconstruction

import (
	"strconv"
	"strings"

	"flairstar/internal/models"
	"flairstar/pkg/dicomio"
	"flairstar/pkg/metadata"
)

// SOP classes
const (
	MRImageStorage         = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage = "1.2.840.10008.5.1.4.1.1.4.1"
)

// Pixel encoding of every output slice: 12 significant bits in 16-bit words.
const (
	MaxSample    = 4095
	bitsStored   = 12
	windowCenter = 2047
)

// copyRule fills Target from the first source path that resolves. Paths
// with more than one keyword walk functional group sequences.
type copyRule struct {
	Target    string
	Sources   [][]string
	Transform func(string) string
}

// copyRules propagate descriptive fields when the source has them. A missing
// source is never an error.
var copyRules = []copyRule{
	// patient
	{Target: "PatientName", Sources: [][]string{{"PatientName"}}},
	{Target: "PatientID", Sources: [][]string{{"PatientID"}}},
	{Target: "PatientBirthDate", Sources: [][]string{{"PatientBirthDate"}}},
	{Target: "PatientSex", Sources: [][]string{{"PatientSex"}}},
	{Target: "PatientAge", Sources: [][]string{{"PatientAge"}}},

	// study
	{Target: "StudyInstanceUID", Sources: [][]string{{"StudyInstanceUID"}}},
	{Target: "StudyDate", Sources: [][]string{{"StudyDate"}}},
	{Target: "StudyTime", Sources: [][]string{{"StudyTime"}}},
	{Target: "StudyDescription", Sources: [][]string{{"StudyDescription"}}},
	{Target: "AccessionNumber", Sources: [][]string{{"AccessionNumber"}}},
	{Target: "FrameOfReferenceUID", Sources: [][]string{{"FrameOfReferenceUID"}}},

	// acquisition
	{Target: "AcquisitionDate", Sources: [][]string{{"AcquisitionDate"}, {"AcquisitionDateTime"}}, Transform: datePart},
	{Target: "AcquisitionTime", Sources: [][]string{{"AcquisitionTime"}, {"AcquisitionDateTime"}}, Transform: timePart},
	{Target: "MagneticFieldStrength", Sources: [][]string{{"MagneticFieldStrength"}}},
	{Target: "ScanningSequence", Sources: [][]string{{"ScanningSequence"}}},
	{Target: "SequenceVariant", Sources: [][]string{{"SequenceVariant"}}},
	{Target: "SequenceName", Sources: [][]string{{"SequenceName"}, {"PulseSequenceName"}}},
	{Target: "MRAcquisitionType", Sources: [][]string{{"MRAcquisitionType"}}},

	// sequence parameters, flattened out of functional groups when needed
	{Target: "RepetitionTime", Sources: [][]string{{"MRTimingAndRelatedParametersSequence", "RepetitionTime"}}},
	{Target: "FlipAngle", Sources: [][]string{{"MRTimingAndRelatedParametersSequence", "FlipAngle"}}},
	{Target: "EchoTrainLength", Sources: [][]string{{"MRTimingAndRelatedParametersSequence", "EchoTrainLength"}}},
	{Target: "EchoTime", Sources: [][]string{{"MREchoSequence", "EffectiveEchoTime"}, {"EchoTime"}}},
	{Target: "InversionTime", Sources: [][]string{{"MRModifierSequence", "InversionTimes"}, {"InversionTime"}}},
}

// stale are reference attributes that no longer describe derived pixels.
var stale = []string{
	"SmallestImagePixelValue",
	"LargestImagePixelValue",
	"WindowCenterWidthExplanation",
	"PixelData",
	"LossyImageCompression",
}

func datePart(v string) string {
	if len(v) >= 8 {
		return v[:8]
	}
	return ""
}

func timePart(v string) string {
	if len(v) > 8 {
		return v[8:]
	}
	return ""
}

// applyCopyRules copies every rule whose source resolves in scopes.
func applyCopyRules(dst *metadata.Record, scopes []*metadata.Record) {
	for _, rule := range copyRules {
		for _, src := range rule.Sources {
			e, ok := lookupScoped(scopes, src...)
			if !ok || (len(e.Values) == 0 && e.Bytes == nil) {
				continue
			}
			out := e.Clone()
			if out.Keyword != rule.Target {
				// a different attribute: let the writer resolve tag and VR
				out.Keyword = rule.Target
				out.Tag = metadata.Tag{}
				out.VR = ""
			}
			if rule.Transform != nil {
				v := rule.Transform(e.String())
				if v == "" {
					continue
				}
				out.Values = []string{v}
				out.Bytes = nil
			}
			dst.Put(out)
			break
		}
	}
}

// identity describes how one slice is relabelled.
type identity struct {
	SeriesUID         string
	InstanceUID       string
	SeriesDescription string
	SeriesNumber      int
	InstanceNumber    int
}

// applyIdentity overwrites the series identity of rec.
func applyIdentity(rec *metadata.Record, id identity) {
	class, _ := rec.TryGet("SOPClassUID")
	if class == "" || class == EnhancedMRImageStorage {
		class = MRImageStorage
	}
	rec.Set("SOPClassUID", class)
	rec.Set("MediaStorageSOPClassUID", class)
	rec.Set("SOPInstanceUID", id.InstanceUID)
	rec.Set("MediaStorageSOPInstanceUID", id.InstanceUID)
	rec.Set("TransferSyntaxUID", dicomio.ExplicitVRLittleEndian)
	rec.Set("SeriesInstanceUID", id.SeriesUID)

	rec.Set("SeriesDescription", id.SeriesDescription)
	rec.Set("ProtocolName", id.SeriesDescription)
	rec.SetInt("SeriesNumber", id.SeriesNumber)
	rec.SetInt("InstanceNumber", id.InstanceNumber)

	imageType := []string{"DERIVED", "SECONDARY"}
	if old, ok := rec.Strings("ImageType"); ok && len(old) > 2 {
		imageType = append(imageType, old[2:]...)
	}
	rec.Set("ImageType", imageType...)
}

// applyGeometry writes a multi-frame descriptor onto rec. Empty fields leave
// the template value in place.
func applyGeometry(rec *metadata.Record, d models.FrameDescriptor) {
	if d.SliceThickness != "" {
		rec.Set("SliceThickness", d.SliceThickness)
	}
	if len(d.PixelSpacing) > 0 {
		rec.Set("PixelSpacing", d.PixelSpacing...)
	}
	if len(d.ImageOrientationPatient) > 0 {
		rec.Set("ImageOrientationPatient", d.ImageOrientationPatient...)
	}
	if len(d.ImagePositionPatient) > 0 {
		rec.Set("ImagePositionPatient", d.ImagePositionPatient...)
	}
	if d.SliceLocation != "" {
		rec.Set("SliceLocation", d.SliceLocation)
	}
}

// applyPixelModule declares the 12-bit monochrome encoding of the slice.
func applyPixelModule(rec *metadata.Record, rows, cols int) {
	for _, kw := range stale {
		rec.Delete(kw)
	}
	rec.SetInt("Rows", rows)
	rec.SetInt("Columns", cols)
	rec.SetInt("SamplesPerPixel", 1)
	rec.Set("PhotometricInterpretation", "MONOCHROME2")
	rec.SetInt("BitsAllocated", 16)
	rec.SetInt("BitsStored", bitsStored)
	rec.SetInt("HighBit", bitsStored-1)
	rec.SetInt("PixelRepresentation", 0)
	rec.SetInt("RescaleIntercept", 0)
	rec.SetInt("RescaleSlope", 1)
	rec.SetInt("WindowCenter", windowCenter)
	rec.SetInt("WindowWidth", MaxSample)
}

func parseFloats(vals []string) ([]float64, bool) {
	out := make([]float64, len(vals))
	for i, v := range vals {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}
