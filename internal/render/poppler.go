package render

import (
	"bufio"
	"bytes"
	"context"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Poppler rasterizes PDF pages with the pdfinfo and pdftoppm CLI tools.
type Poppler struct {
	pdfinfoPath  string
	pdftoppmPath string
}

// NewPoppler creates a Poppler renderer. Empty paths fall back to the binaries on PATH.
func NewPoppler(pdfinfoPath, pdftoppmPath string) *Poppler {
	if pdfinfoPath == "" {
		pdfinfoPath = "pdfinfo"
	}
	if pdftoppmPath == "" {
		pdftoppmPath = "pdftoppm"
	}
	return &Poppler{pdfinfoPath: pdfinfoPath, pdftoppmPath: pdftoppmPath}
}

var (
	pagesLine = regexp.MustCompile(`^Pages:\s+(\d+)`)
	sizeLine  = regexp.MustCompile(`^Page\s+(\d+)\s+size:\s+([\d.]+)\s+x\s+([\d.]+)`)
	rotLine   = regexp.MustCompile(`^Page\s+(\d+)\s+rot:\s+(\d+)`)
)

// PageCount returns the number of pages in the PDF at path.
func (p *Poppler) PageCount(ctx context.Context, path string) (int, error) {
	out, err := p.run(ctx, p.pdfinfoPath, path)
	if err != nil {
		return 0, err
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if m := pagesLine.FindStringSubmatch(strings.TrimSpace(sc.Text())); m != nil {
			return strconv.Atoi(m[1])
		}
	}
	return 0, eris.Errorf("render: pdfinfo reported no page count for %s", path)
}

// PageSize returns the displayed size of one page in points, with /Rotate applied.
func (p *Poppler) PageSize(ctx context.Context, path string, page int) (Size, error) {
	n := strconv.Itoa(page)
	out, err := p.run(ctx, p.pdfinfoPath, "-f", n, "-l", n, path)
	if err != nil {
		return Size{}, err
	}

	var (
		size    Size
		found   bool
		rotated bool
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if m := sizeLine.FindStringSubmatch(line); m != nil && m[1] == n {
			w, _ := strconv.ParseFloat(m[2], 64)
			h, _ := strconv.ParseFloat(m[3], 64)
			size, found = Size{Width: w, Height: h}, true
			continue
		}
		if m := rotLine.FindStringSubmatch(line); m != nil && m[1] == n {
			deg, _ := strconv.Atoi(m[2])
			rotated = deg%180 == 90
		}
	}
	if !found || size.Width <= 0 || size.Height <= 0 {
		return Size{}, eris.Errorf("render: pdfinfo reported no size for %s page %d", path, page)
	}
	if rotated {
		size.Width, size.Height = size.Height, size.Width
	}
	return size, nil
}

// Render rasterizes one page (or a clipped region of it) and returns the
// encoded image bytes.
func (p *Poppler) Render(ctx context.Context, path string, page int, opts Options) ([]byte, error) {
	if page < 1 {
		return nil, eris.Errorf("render: invalid page %d", page)
	}
	opts = opts.withDefaults()
	n := strconv.Itoa(page)
	args := []string{"-f", n, "-l", n, "-r", strconv.Itoa(opts.DPI), "-singlefile"}
	if opts.Format == FormatJPEG {
		args = append(args, "-jpeg")
	} else {
		args = append(args, "-png")
	}
	if opts.Clip != nil {
		x, y, w, h := opts.Clip.Pixels(opts.DPI)
		args = append(args,
			"-x", strconv.Itoa(x), "-y", strconv.Itoa(y),
			"-W", strconv.Itoa(w), "-H", strconv.Itoa(h),
		)
	}
	args = append(args, path)

	out, err := p.run(ctx, p.pdftoppmPath, args...)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, eris.Errorf("render: pdftoppm produced no image for %s page %d", path, page)
	}
	return out, nil
}

func (p *Poppler) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "render: %s failed: %s", bin, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Pixels converts the rect from points to a pdftoppm crop box at dpi.
func (r Rect) Pixels(dpi int) (x, y, w, h int) {
	scale := float64(dpi) / 72.0
	x = int(math.Round(r.X0 * scale))
	y = int(math.Round(r.Y0 * scale))
	w = int(math.Round((r.X1 - r.X0) * scale))
	h = int(math.Round((r.Y1 - r.Y0) * scale))
	return x, y, w, h
}
