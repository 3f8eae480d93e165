package classifier

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/atlas-desktop/papertrader/pkg/types"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// DefaultLibraryPath returns the usual onnxruntime shared library name for the OS.
func DefaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	}
	return "/usr/lib/libonnxruntime.so"
}

// InitializeRuntime loads the onnxruntime library once per process.
func InitializeRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath == "" {
			libPath = DefaultLibraryPath()
		}
		ort.SetSharedLibraryPath(libPath)
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNXConfig describes an exported classifier graph with a [1, N] float input
// and a [1, len(Labels)] probability output.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
	NumFeatures int
	Labels      []types.Action
}

// ONNXModel runs an exported model through onnxruntime. Inference reuses one
// pair of tensors, so calls are serialized.
type ONNXModel struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	labels  []types.Action
}

// NewONNXModel opens the model and allocates its tensors.
func NewONNXModel(cfg ONNXConfig) (*ONNXModel, error) {
	if err := InitializeRuntime(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output"
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = DefaultLabels
	}
	if cfg.NumFeatures <= 0 {
		return nil, fmt.Errorf("onnx model needs a positive feature count, got %d", cfg.NumFeatures)
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(cfg.NumFeatures)), make([]float32, cfg.NumFeatures))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(cfg.Labels))))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &ONNXModel{session: session, input: input, output: output, labels: cfg.Labels}, nil
}

// Predict implements strategy.Classifier.
func (m *ONNXModel) Predict(ctx context.Context, features []float64) (types.Action, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.input.GetData()
	if len(features) != len(in) {
		return "", 0, fmt.Errorf("%w: got %d, want %d", ErrFeatureCount, len(features), len(in))
	}
	for i, v := range features {
		in[i] = float32(v)
	}
	if err := m.session.Run(); err != nil {
		return "", 0, fmt.Errorf("inference failed: %w", err)
	}

	out := m.output.GetData()
	probs := make([]float64, len(out))
	for i, p := range out {
		probs[i] = float64(p)
	}
	k := argmax(probs)
	return m.labels[k], probs[k], nil
}

// Close releases the session and tensors.
func (m *ONNXModel) Close() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}
