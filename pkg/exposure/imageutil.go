/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package exposure

import (
	"math"
)

// KappaSigmaResult holds the results of kappa-sigma noise estimation.
type KappaSigmaResult struct {
	Sigma          float64
	BackgroundMean float64
	NumIterations  int
}

// BilinearSamplePixelValue samples a pixel value using bilinear interpolation.
func BilinearSamplePixelValue(img Mat, y, x float64) float64 {
	y0 := int(math.Floor(y))
	y1 := y0 + 1
	if y1 > img.Rows()-1 {
		y1 = img.Rows() - 1
	}
	x0 := int(math.Floor(x))
	x1 := x0 + 1
	if x1 > img.Cols()-1 {
		x1 = img.Cols() - 1
	}
	yRatio := y - float64(y0)
	xRatio := x - float64(x0)

	data := img.DataFloat32()
	width := img.Cols()
	p00 := float64(data[y0*width+x0])
	p01 := float64(data[y0*width+x1])
	p10 := float64(data[y1*width+x0])
	p11 := float64(data[y1*width+x1])
	interpolatedX0 := p00 + xRatio*(p01-p00)
	interpolatedX1 := p10 + xRatio*(p11-p10)
	return interpolatedX0 + yRatio*(interpolatedX1-interpolatedX0)
}

// KappaSigmaNoiseEstimate estimates the sky level and noise of img by
// iteratively clipping pixels further than clippingMultiplier sigma from
// the mean. It stops once sigma changes by no more than allowedError.
func KappaSigmaNoiseEstimate(img Mat, clippingMultiplier float64, allowedError float64, maxIterations int) KappaSigmaResult {
	maskMat := NewMat()
	defer maskMat.Close()

	var lower, upper float32
	lastSigma := 1.0
	lastBackgroundMean := 0.0
	numIterations := 0

	for numIterations < maxIterations {
		var meanVal, sigmaVal float64

		if numIterations > 0 {
			inRangeScalar(img, lower, upper, &maskMat)
			meanVal, sigmaVal = meanStdDevWithMask(img, maskMat)
		} else {
			meanVal, sigmaVal = matMeanStdDev(img)
		}

		numIterations++
		if numIterations > 1 && math.Abs(sigmaVal-lastSigma) <= allowedError {
			lastSigma = sigmaVal
			lastBackgroundMean = meanVal
			break
		}
		lower = float32(meanVal - clippingMultiplier*sigmaVal)
		upper = float32(meanVal + clippingMultiplier*sigmaVal)
		lastSigma = sigmaVal
		lastBackgroundMean = meanVal
	}

	return KappaSigmaResult{
		Sigma:          lastSigma,
		BackgroundMean: lastBackgroundMean,
		NumIterations:  numIterations,
	}
}

// meanStdDevWithMask computes mean and stddev of pixels where mask is non-zero.
func meanStdDevWithMask(img Mat, mask Mat) (float64, float64) {
	imgData := img.DataFloat32()
	maskData := mask.DataFloat32()
	numPixels := img.Rows() * img.Cols()

	var sum float64
	var count int64
	for i := 0; i < numPixels; i++ {
		if maskData[i] != 0 {
			sum += float64(imgData[i])
			count++
		}
	}
	if count == 0 {
		return 0, 0
	}
	mean := sum / float64(count)

	var sse float64
	for i := 0; i < numPixels; i++ {
		if maskData[i] != 0 {
			diff := float64(imgData[i]) - mean
			sse += diff * diff
		}
	}
	return mean, math.Sqrt(sse / float64(count))
}
