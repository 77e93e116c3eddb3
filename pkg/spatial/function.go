// Package spatial describes how a scalar varies across the field of view
// as a low-order 2-D function of position.
//
// Terms are ordered by total degree m = 0..Order and, within a degree, by
// decreasing power of x: 1, x, y, x², xy, y², ... so a function of order n
// has (n+1)(n+2)/2 coefficients.
package spatial

import (
	"fmt"
	"math"
	"strings"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
)

// Style selects the 1-D basis used along each axis.
type Style int

const (
	// StyleStandard is a plain power series in pixel coordinates.
	StyleStandard Style = iota
	// StyleLegendre uses Legendre polynomials of coordinates scaled to [-1, 1].
	StyleLegendre
	// StyleChebyshev uses Chebyshev polynomials of coordinates scaled to [-1, 1].
	StyleChebyshev
)

func (s Style) String() string {
	switch s {
	case StyleStandard:
		return "standard"
	case StyleLegendre:
		return "legendre"
	case StyleChebyshev:
		return "chebyshev"
	default:
		return fmt.Sprintf("Style(%d)", int(s))
	}
}

// ParseStyle resolves a style name, case-insensitively.
func ParseStyle(name string) (Style, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "standard", "polynomial", "":
		return StyleStandard, nil
	case "legendre":
		return StyleLegendre, nil
	case "chebyshev", "cheby":
		return StyleChebyshev, nil
	default:
		return 0, fmt.Errorf("%w: unknown polynomial style %q", fiterr.ErrConfiguration, name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Style) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Style) UnmarshalText(b []byte) error {
	v, err := ParseStyle(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Bounds is the rectangle over which a Legendre or Chebyshev function is
// defined.
type Bounds struct {
	XMin, XMax float64
	YMin, YMax float64
}

// NumTerms is the number of coefficients of a function of the given order.
func NumTerms(order int) int {
	if order < 0 {
		return 0
	}
	return (order + 1) * (order + 2) / 2
}

// Function is a 2-D spatial function.
type Function struct {
	Style  Style
	Order  int
	Bounds Bounds
	Coeffs []float64
}

// New returns a zero function. Scaled styles need non-degenerate bounds.
func New(style Style, order int, bounds Bounds) (*Function, error) {
	if order < 0 {
		return nil, fmt.Errorf("%w: spatial order must be >= 0, got %d", fiterr.ErrConfiguration, order)
	}
	if style != StyleStandard && (bounds.XMax <= bounds.XMin || bounds.YMax <= bounds.YMin) {
		return nil, fmt.Errorf("%w: degenerate bounds %+v for %s function", fiterr.ErrConfiguration, bounds, style)
	}
	return &Function{
		Style:  style,
		Order:  order,
		Bounds: bounds,
		Coeffs: make([]float64, NumTerms(order)),
	}, nil
}

// NumTerms is the number of coefficients of f.
func (f *Function) NumTerms() int { return NumTerms(f.Order) }

// Terms writes the value of every basis term at (x, y) into out, which is
// grown if needed, and returns it.
func (f *Function) Terms(x, y float64, out []float64) []float64 {
	n := f.NumTerms()
	if cap(out) < n {
		out = make([]float64, n)
	}
	out = out[:n]

	var px, py [16]float64
	xs := f.axis(x, f.Bounds.XMin, f.Bounds.XMax, px[:0])
	ys := f.axis(y, f.Bounds.YMin, f.Bounds.YMax, py[:0])

	k := 0
	for m := 0; m <= f.Order; m++ {
		for i := m; i >= 0; i-- {
			out[k] = xs[i] * ys[m-i]
			k++
		}
	}
	return out
}

// axis evaluates the 1-D basis of degrees 0..Order at v.
func (f *Function) axis(v, lo, hi float64, buf []float64) []float64 {
	u := v
	if f.Style != StyleStandard {
		u = (2*v - (lo + hi)) / (hi - lo)
	}
	buf = append(buf, 1)
	if f.Order >= 1 {
		buf = append(buf, u)
	}
	for n := 1; n < f.Order; n++ {
		var next float64
		switch f.Style {
		case StyleLegendre:
			next = (float64(2*n+1)*u*buf[n] - float64(n)*buf[n-1]) / float64(n+1)
		case StyleChebyshev:
			next = 2*u*buf[n] - buf[n-1]
		default:
			next = buf[n] * u
		}
		buf = append(buf, next)
	}
	return buf
}

// Eval returns the value of f at (x, y).
func (f *Function) Eval(x, y float64) float64 {
	terms := f.Terms(x, y, nil)
	sum := 0.0
	for k, c := range f.Coeffs {
		sum += c * terms[k]
	}
	return sum
}

func (f *Function) String() string {
	parts := make([]string, len(f.Coeffs))
	for i, c := range f.Coeffs {
		parts[i] = fmt.Sprintf("%g", c)
	}
	return fmt.Sprintf("{Style=%s, Order=%d, Coeffs=[%s]}", f.Style, f.Order, strings.Join(parts, " "))
}

// IsFinite reports whether every coefficient is finite.
func (f *Function) IsFinite() bool {
	for _, c := range f.Coeffs {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
