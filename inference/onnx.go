package inference

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

var ortInitOnce sync.Once
var ortInitErr error

// OnnxModel runs a .onnx network through ONNX Runtime. The model must expose
// an "input" tensor of shape [batch, sampleShape...] and "policy"/"value"
// outputs of shapes [batch, numActions] and [batch, numPlayers].
//
// The model is driven only by the service goroutine, so Predict needs no
// internal synchronization.
type OnnxModel struct {
	session     *ort.DynamicAdvancedSession
	sampleShape []int64
	numActions  int
	numPlayers  int
}

// NewOnnxModel loads the network at modelPath.
func NewOnnxModel(modelPath string, sampleShape []int, numActions, numPlayers int) (*OnnxModel, error) {
	if runtime.GOOS == "linux" {
		ensureLinuxLibraryPath()
		if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		} else {
			cwd, _ := os.Getwd()
			candidates := []string{
				"libonnxruntime.so",
				"libonnxruntime.so.1",
			}
			for _, name := range candidates {
				abs := filepath.Join(cwd, name)
				if _, err := os.Stat(abs); err == nil {
					ort.SetSharedLibraryPath(abs)
					break
				}
			}
		}
	}

	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", ortInitErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	// The service goroutine is the only caller; keep ORT's own threading out
	// of the way.
	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err == nil {
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			log.Warn().Err(err).Msg("inference: CUDA provider unavailable; using CPU")
		} else {
			log.Info().Msg("inference: CUDA provider enabled")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input"}, []string{"policy", "value"}, options)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	shape := make([]int64, len(sampleShape))
	for i, d := range sampleShape {
		shape[i] = int64(d)
	}
	return &OnnxModel{
		session:     session,
		sampleShape: shape,
		numActions:  numActions,
		numPlayers:  numPlayers,
	}, nil
}

func (m *OnnxModel) Predict(input []float32, batchSize int) ([]float32, []float32, error) {
	inputShape := append([]int64{int64(batchSize)}, m.sampleShape...)
	inputTensor, err := ort.NewTensor(ort.NewShape(inputShape...), input)
	if err != nil {
		return nil, nil, err
	}
	defer inputTensor.Destroy()

	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batchSize), int64(m.numActions)))
	if err != nil {
		return nil, nil, err
	}
	defer policyTensor.Destroy()

	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batchSize), int64(m.numPlayers)))
	if err != nil {
		return nil, nil, err
	}
	defer valueTensor.Destroy()

	if err := m.session.Run([]ort.Value{inputTensor}, []ort.Value{policyTensor, valueTensor}); err != nil {
		return nil, nil, fmt.Errorf("run session: %w", err)
	}

	policy := make([]float32, batchSize*m.numActions)
	copy(policy, policyTensor.GetData())
	value := make([]float32, batchSize*m.numPlayers)
	copy(value, valueTensor.GetData())
	return policy, value, nil
}

func (m *OnnxModel) Close() error {
	return m.session.Destroy()
}

// ensureLinuxLibraryPath prepends the common pip-installed CUDA/Torch shared
// library locations to LD_LIBRARY_PATH so ORT can find its providers.
func ensureLinuxLibraryPath() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	candidateDirs := []string{cwd}
	patterns := []string{
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "nvidia", "*", "lib"),
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "torch", "lib"),
	}
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		candidateDirs = append(candidateDirs, matches...)
	}

	existing := os.Getenv("LD_LIBRARY_PATH")
	existingSet := map[string]bool{}
	for _, p := range strings.Split(existing, ":") {
		if p != "" {
			existingSet[p] = true
		}
	}

	toAdd := make([]string, 0, len(candidateDirs))
	for _, d := range candidateDirs {
		if existingSet[d] {
			continue
		}
		if st, err := os.Stat(d); err == nil && st.IsDir() {
			toAdd = append(toAdd, d)
		}
	}
	if len(toAdd) == 0 {
		return
	}

	newVal := strings.Join(toAdd, ":")
	if existing != "" {
		newVal = newVal + ":" + existing
	}
	_ = os.Setenv("LD_LIBRARY_PATH", newVal)
}
