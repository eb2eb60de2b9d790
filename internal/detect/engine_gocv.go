//go:build opencv

package detect

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/padetect-agent/internal/config"
	"github.com/dj-oyu/padetect-agent/internal/logger"
)

// NetEngine runs a YOLO network through OpenCV's DNN module.
//
// Darknet models (config set) emit normalized centre boxes with an
// objectness column; ONNX exports emit boxes in input pixels.
type NetEngine struct {
	net        gocv.Net
	size       int
	outputs    []string
	normalized bool
}

// NewNetEngine loads the model described by cfg.
func NewNetEngine(cfg config.ModelConfig) (*NetEngine, error) {
	net := gocv.ReadNet(cfg.Path, cfg.Config)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load model %s", cfg.Path)
	}

	switch cfg.Backend {
	case "cuda":
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	case "openvino":
		net.SetPreferableBackend(gocv.NetBackendOpenVINO)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	default:
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	var outputs []string
	names := net.GetLayerNames()
	for _, id := range net.GetUnconnectedOutLayers() {
		if id-1 >= 0 && id-1 < len(names) {
			outputs = append(outputs, names[id-1])
		}
	}

	logger.Info("Detect", "Loaded model %s (input %d, backend %q, %d outputs)",
		cfg.Path, cfg.InputSize, cfg.Backend, len(outputs))
	return &NetEngine{
		net:        net,
		size:       cfg.InputSize,
		outputs:    outputs,
		normalized: cfg.Config != "",
	}, nil
}

func (e *NetEngine) InputSize() int { return e.size }

// Infer feeds the blob to the network and flattens every output layer.
func (e *NetEngine) Infer(b *Blob) ([]RawBox, error) {
	img, err := gocv.ImageToMatRGB(b.Image)
	if err != nil {
		return nil, fmt.Errorf("convert blob: %w", err)
	}
	defer img.Close()

	// ImageToMatRGB yields BGR; swapRB restores the RGB order the model expects.
	input := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(e.size, e.size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer input.Close()
	e.net.SetInput(input, "")

	var outs []gocv.Mat
	if len(e.outputs) > 0 {
		outs = e.net.ForwardLayers(e.outputs)
	} else {
		outs = []gocv.Mat{e.net.Forward("")}
	}
	defer func() {
		for i := range outs {
			outs[i].Close()
		}
	}()

	var boxes []RawBox
	for _, out := range outs {
		boxes = append(boxes, e.decodeOutput(out)...)
	}
	return boxes, nil
}

func (e *NetEngine) decodeOutput(out gocv.Mat) []RawBox {
	m := out
	if dims := out.Size(); len(dims) == 3 {
		m = out.Reshape(1, dims[1])
		defer m.Close()
	}

	rows, cols := m.Rows(), m.Cols()
	if cols < 6 {
		return nil
	}
	scale := float32(1)
	if e.normalized {
		scale = float32(e.size)
	}

	var boxes []RawBox
	for r := 0; r < rows; r++ {
		objectness := m.GetFloatAt(r, 4)
		best, bestScore := -1, float32(0)
		for c := 5; c < cols; c++ {
			if s := m.GetFloatAt(r, c); s > bestScore {
				best, bestScore = c-5, s
			}
		}
		score := bestScore
		if !e.normalized {
			score *= objectness
		}
		if best < 0 || score <= 0 {
			continue
		}
		boxes = append(boxes, RawBox{
			CX:      m.GetFloatAt(r, 0) * scale,
			CY:      m.GetFloatAt(r, 1) * scale,
			W:       m.GetFloatAt(r, 2) * scale,
			H:       m.GetFloatAt(r, 3) * scale,
			Score:   score,
			ClassID: best,
		})
	}
	return boxes
}

// Close releases the network.
func (e *NetEngine) Close() error {
	if err := e.net.Close(); err != nil {
		return errors.New("failed to release network")
	}
	return nil
}
