//go:build !purego && !js

package exposure

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Mat wraps a single-channel float32 gocv.Mat for the native OpenCV backend.
type Mat struct {
	m gocv.Mat
}

func NewMat() Mat                      { return Mat{m: gocv.NewMat()} }
func NewMatWithSize(rows, cols int) Mat { return Mat{m: gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)} }
func (mat Mat) Rows() int              { return mat.m.Rows() }
func (mat Mat) Cols() int              { return mat.m.Cols() }
func (mat Mat) Empty() bool            { return mat.m.Empty() }
func (mat Mat) Clone() Mat             { return Mat{m: mat.m.Clone()} }
func (mat *Mat) Close()                { mat.m.Close() }

func (mat Mat) DataFloat32() []float32 {
	data, _ := mat.m.DataPtrFloat32()
	return data
}

func inRangeScalar(src Mat, lower, upper float32, dst *Mat) {
	lo := gocv.NewMatFromScalar(gocv.NewScalar(float64(lower), 0, 0, 0), gocv.MatTypeCV32F)
	defer lo.Close()
	hi := gocv.NewMatFromScalar(gocv.NewScalar(float64(upper), 0, 0, 0), gocv.MatTypeCV32F)
	defer hi.Close()
	mask8 := gocv.NewMat()
	defer mask8.Close()
	gocv.InRange(src.m, lo, hi, &mask8)
	// InRange outputs CV_8U; DataFloat32 needs CV_32F.
	mask8.ConvertTo(&dst.m, gocv.MatTypeCV32F)
}

func matMeanStdDev(src Mat) (float64, float64) {
	meanMat := gocv.NewMat()
	defer meanMat.Close()
	stdMat := gocv.NewMat()
	defer stdMat.Close()
	gocv.MeanStdDev(src.m, &meanMat, &stdMat)
	return meanMat.GetDoubleAt(0, 0), stdMat.GetDoubleAt(0, 0)
}

// WriteImage stretches m to the 16-bit range and writes it in the format
// implied by the file extension.
func WriteImage(path string, m Mat) error {
	stretched := gocv.NewMat()
	defer stretched.Close()
	gocv.Normalize(m.m, &stretched, 0, 65535, gocv.NormMinMax)
	out := gocv.NewMat()
	defer out.Close()
	stretched.ConvertTo(&out, gocv.MatTypeCV16U)
	if !gocv.IMWrite(path, out) {
		return fmt.Errorf("writing image %s", path)
	}
	return nil
}

// ReadImage reads any image format OpenCV understands as a grayscale
// float32 Mat.
func ReadImage(path string) (Mat, error) {
	src := gocv.IMRead(path, gocv.IMReadGrayScale|gocv.IMReadAnyDepth)
	defer src.Close()
	if src.Empty() {
		return Mat{}, fmt.Errorf("reading image %s", path)
	}
	dst := NewMat()
	src.ConvertTo(&dst.m, gocv.MatTypeCV32F)
	return dst, nil
}
