package gradcam

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/Brownie44l1/cxr-api/internal/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func randomize(r *rand.Rand, xs []float32) {
	for i := range xs {
		xs[i] = float32(r.NormFloat64() * 0.5)
	}
}

func conv(r *rand.Rand, name string, in, out int) *nn.Conv2D {
	c := nn.NewConv2D(name, 3, 3, in, out)
	randomize(r, c.Kernel)
	c.Bias = make([]float32, out)
	randomize(r, c.Bias)
	return c
}

func dense(r *rand.Rand, name string, in, out int) *nn.Dense {
	d := nn.NewDense(name, in, out)
	randomize(r, d.Weights)
	randomize(r, d.Bias)
	return d
}

func input(r *rand.Rand, h, w, c int) *nn.Tensor {
	x := nn.Zeros(1, h, w, c)
	for i := range x.Data {
		x.Data[i] = float32(r.Float64()*255)
	}
	return x
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// topLevelNet has its target layer "conv_final" directly in the model.
func topLevelNet(t *testing.T, r *rand.Rand) *nn.Model {
	t.Helper()
	m, err := nn.Sequential("top",
		nn.NewRescaling("rescale", 1.0/127.5, -1),
		conv(r, "conv_stem", 3, 4),
		nn.NewReLU("stem_relu"),
		conv(r, "conv_final", 4, 6),
		nn.NewReLU("final_relu"),
		nn.NewGlobalAveragePooling2D("avg_pool"),
		dense(r, "predictions", 6, 3),
		nn.NewSoftmax("softmax"),
	)
	require.NoError(t, err)
	return m
}

type residualLayers struct {
	conv1, stage4 *nn.Conv2D
	relu1, relu4  *nn.ReLU
	out           *nn.Add
	post          *nn.ReLU
}

func newResidualLayers(r *rand.Rand) residualLayers {
	return residualLayers{
		conv1:  conv(r, "conv1_conv", 3, 4),
		relu1:  nn.NewReLU("conv1_relu"),
		stage4: conv(r, "stage4_conv", 4, 4),
		relu4:  nn.NewReLU("stage4_relu"),
		out:    nn.NewAdd("stage4_out"),
		post:   nn.NewReLU("post_relu"),
	}
}

func (l residualLayers) nodes() []nn.Node {
	return []nn.Node{
		{Layer: l.conv1},
		{Layer: l.relu1},
		{Layer: l.stage4},
		{Layer: l.relu4},
		{Layer: l.out, Inputs: []string{"conv1_relu", "stage4_relu"}},
		{Layer: l.post},
	}
}

// nestedNet embeds its feature extractor as one opaque "backbone" layer.
// flatNet is the same computation with the backbone inlined.
func nestedAndFlatNets(t *testing.T, r *rand.Rand) (nested, flat *nn.Model) {
	t.Helper()
	l := newResidualLayers(r)
	rescale := nn.NewRescaling("rescale", 1.0/127.5, -1)
	pool := nn.NewGlobalAveragePooling2D("avg_pool")
	head := dense(r, "predictions", 4, 5)
	softmax := nn.NewSoftmax("softmax")

	backbone, err := nn.NewModel("backbone", l.nodes()...)
	require.NoError(t, err)
	nested, err = nn.Sequential("nested", rescale, backbone, pool, head, softmax)
	require.NoError(t, err)

	nodes := append([]nn.Node{{Layer: rescale}}, l.nodes()...)
	nodes = append(nodes, nn.Node{Layer: pool}, nn.Node{Layer: head}, nn.Node{Layer: softmax})
	flat, err = nn.NewModel("flat", nodes...)
	require.NoError(t, err)
	return nested, flat
}

func TestExplainer_TopLevelScenario(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	model := topLevelNet(t, r)
	e := New(model, WithLayerName("conv_final"), WithLogger(zaptest.NewLogger(t)))

	target, ok := e.Target()
	require.True(t, ok)
	assert.Equal(t, TargetLayer{Layer: "conv_final"}, target)

	h, err := e.Attribute(context.Background(), input(r, 8, 8, 3), 2)
	require.NoError(t, err)
	assert.Equal(t, DefaultSize, h.Width)
	assert.Equal(t, DefaultSize, h.Height)
	assert.Len(t, h.Pix, DefaultSize*DefaultSize)
}

func TestExplainer_NestedScenario(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	nested, _ := nestedAndFlatNets(t, r)
	e := New(nested, WithLayerName("stage4_out"), WithSize(32, 32))

	target, ok := e.Target()
	require.True(t, ok)
	assert.Equal(t, TargetLayer{Layer: "stage4_out", Parent: "backbone"}, target)

	_, err := e.Attribute(context.Background(), input(r, 8, 8, 3), 1)
	require.NoError(t, err)
}

func TestAttribute_NestedMatchesInlinedModel(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	nested, flat := nestedAndFlatNets(t, r)
	x := input(r, 8, 8, 3)
	size := image.Pt(24, 24)

	for class := 0; class < 5; class++ {
		got, err := Attribute(nested, TargetLayer{Layer: "stage4_out", Parent: "backbone"}, x, class, size)
		require.NoError(t, err)
		want, err := Attribute(flat, TargetLayer{Layer: "stage4_out"}, x, class, size)
		require.NoError(t, err)
		assert.Equal(t, want.Pix, got.Pix, "class %d", class)
	}
}

func TestAttribute_LocatesEvidence(t *testing.T) {
	identity := nn.NewConv2D("conv_final", 1, 1, 1, 1)
	identity.Kernel[0] = 1
	head := nn.NewDense("predictions", 1, 3)
	head.Weights = []float32{0, 0, 1}
	model, err := nn.Sequential("m", identity, nn.NewGlobalAveragePooling2D("avg_pool"), head, nn.NewSoftmax("softmax"))
	require.NoError(t, err)

	x := nn.Zeros(1, 8, 8, 1)
	for _, i := range []int{0, 1, 8, 9} {
		x.Data[i] = 1
	}

	h, err := Attribute(model, TargetLayer{Layer: "conv_final"}, x, 2, image.Pt(224, 224))
	require.NoError(t, err)
	assert.Equal(t, uint8(255), h.At(5, 5))
	assert.Greater(t, h.At(20, 20), uint8(250))
	assert.Equal(t, uint8(0), h.At(223, 223))
	assert.Equal(t, uint8(0), h.At(120, 120))
}

func TestAttribute_Idempotent(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	model := topLevelNet(t, r)
	x := input(r, 8, 8, 3)
	target := TargetLayer{Layer: "conv_final"}

	first, err := Attribute(model, target, x, 1, image.Pt(64, 64))
	require.NoError(t, err)
	second, err := Attribute(model, target, x, 1, image.Pt(64, 64))
	require.NoError(t, err)
	assert.Equal(t, first.Pix, second.Pix)
}

func TestAttribute_InvalidInputs(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	model := topLevelNet(t, r)
	target := TargetLayer{Layer: "conv_final"}

	_, err := Attribute(model, target, input(r, 8, 8, 3), 3, image.Pt(8, 8))
	assert.ErrorIs(t, err, ErrClassIndex)

	batch := nn.Zeros(2, 8, 8, 3)
	_, err = Attribute(model, target, batch, 0, image.Pt(8, 8))
	assert.ErrorIs(t, err, ErrBatch)

	_, err = Attribute(model, TargetLayer{Layer: "predictions"}, input(r, 8, 8, 3), 0, image.Pt(8, 8))
	assert.ErrorIs(t, err, ErrNotSpatial)
}

func TestExplainer_StopGradientYieldsZeroHeatmap(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	model, err := nn.Sequential("sg",
		conv(r, "conv_a", 3, 4),
		nn.NewStopGradient("frozen"),
		nn.NewGlobalAveragePooling2D("avg_pool"),
		dense(r, "predictions", 4, 2),
	)
	require.NoError(t, err)
	e := New(model, WithLayerName("conv_a"), WithSize(16, 16))
	x := input(r, 6, 6, 3)

	_, err = e.Attribute(context.Background(), x, 0)
	assert.ErrorIs(t, err, nn.ErrDisconnected)

	h := e.Heatmap(context.Background(), x, 0)
	assert.True(t, h.IsZero())
	assert.Equal(t, 16, h.Width)

	uri, ok := e.Explain(context.Background(), x, 0, pngBytes(t, 10, 10, color.White))
	assert.False(t, ok)
	assert.Empty(t, uri)
}

func TestExplainer_UnrelatedBranchYieldsZeroHeatmap(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	model, err := nn.NewModel("branches",
		nn.Node{Layer: conv(r, "conv_main", 3, 4), Inputs: []string{nn.InputName}},
		nn.Node{Layer: conv(r, "conv_side", 3, 4), Inputs: []string{nn.InputName}},
		nn.Node{Layer: nn.NewGlobalAveragePooling2D("avg_pool"), Inputs: []string{"conv_main"}},
		nn.Node{Layer: dense(r, "predictions", 4, 2)},
	)
	require.NoError(t, err)

	e := New(model, WithLayerName("conv_side"), WithSize(8, 8))
	h := e.Heatmap(context.Background(), input(r, 6, 6, 3), 1)
	assert.True(t, h.IsZero())
}

func TestExplainer_NoTargetScenario(t *testing.T) {
	r := rand.New(rand.NewSource(8))
	features, err := nn.Sequential("backbone", conv(r, "features", 3, 4), nn.NewReLU("features_relu"))
	require.NoError(t, err)
	model, err := nn.Sequential("plain",
		features,
		nn.NewGlobalAveragePooling2D("pool"),
		dense(r, "dense", 4, 2),
		nn.NewSoftmax("softmax"),
	)
	require.NoError(t, err)
	x := input(r, 6, 6, 3)

	e := New(model)
	_, ok := e.Target()
	assert.False(t, ok)

	_, err = e.Attribute(context.Background(), x, 0)
	assert.ErrorIs(t, err, ErrNoTarget)

	uri, ok := e.Explain(context.Background(), x, 0, pngBytes(t, 10, 10, color.White))
	assert.False(t, ok)
	assert.Empty(t, uri)

	// Classification is unaffected.
	y, err := model.Predict(x)
	require.NoError(t, err)
	assert.Len(t, y.Data, 2)
}

func TestExplainer_ExplainReturnsPNGDataURI(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	e := New(topLevelNet(t, r), WithLayerName("conv_final"), WithSize(32, 32))
	x := input(r, 8, 8, 3)
	original := pngBytes(t, 50, 40, color.Gray{Y: 120})

	uri, ok := e.Explain(context.Background(), x, 0, original)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	again, ok := e.Explain(context.Background(), x, 0, original)
	require.True(t, ok)
	assert.Equal(t, uri, again)
}

func TestExplainer_OverlayFailureIsNotFatal(t *testing.T) {
	r := rand.New(rand.NewSource(10))
	e := New(topLevelNet(t, r), WithLayerName("conv_final"), WithSize(16, 16))

	uri, ok := e.Explain(context.Background(), input(r, 8, 8, 3), 0, []byte("not an image"))
	assert.False(t, ok)
	assert.Empty(t, uri)
}

func TestExplainer_ConcurrentCallsAgree(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	nested, _ := nestedAndFlatNets(t, r)
	e := New(nested, WithLayerName("stage4_out"), WithSize(16, 16), WithMaxConcurrent(2))
	x := input(r, 8, 8, 3)
	want := e.Heatmap(context.Background(), x, 2)

	var wg sync.WaitGroup
	results := make([]*Heatmap, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Heatmap(context.Background(), x, 2)
		}(i)
	}
	wg.Wait()
	for _, h := range results {
		assert.Equal(t, want.Pix, h.Pix)
	}
}

func TestExplainer_CanceledWhileQueued(t *testing.T) {
	r := rand.New(rand.NewSource(12))
	e := New(topLevelNet(t, r), WithLayerName("conv_final"))
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Attribute(ctx, input(r, 8, 8, 3), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassActivation_RectifiedForNegativeGradients(t *testing.T) {
	r := rand.New(rand.NewSource(13))
	for trial := 0; trial < 20; trial++ {
		act := nn.Zeros(1, 5, 5, 3)
		grad := nn.Zeros(1, 5, 5, 3)
		randomize(r, act.Data)
		for i := range grad.Data {
			grad.Data[i] = -float32(math.Abs(r.NormFloat64()))
			if trial%2 == 1 {
				grad.Data[i] = float32(r.NormFloat64())
			}
		}

		g, err := classActivation(act, grad)
		require.NoError(t, err)
		g.rectify()
		for _, v := range g.v {
			assert.GreaterOrEqual(t, v, 0.0)
		}
	}
}

func TestGrid_Normalize(t *testing.T) {
	g := &grid{w: 3, h: 1, v: []float64{0.2, 0.8, 0.4}}
	g.normalize()
	assert.InDelta(t, 1.0, g.max(), 1e-12)
	assert.InDelta(t, 0.25, g.v[0], 1e-12)

	zero := &grid{w: 2, h: 2, v: make([]float64, 4)}
	zero.normalize()
	assert.Equal(t, []float64{0, 0, 0, 0}, zero.v)
	assert.True(t, zero.resize(10, 10).IsZero())
}

func TestGrid_ResizeQuantizesPeakTo255(t *testing.T) {
	g := &grid{w: 1, h: 1, v: []float64{1}}
	h := g.resize(4, 4)
	for _, v := range h.Pix {
		assert.Equal(t, uint8(255), v)
	}
}

func TestJetPalette(t *testing.T) {
	assert.Greater(t, jet[0].B, jet[0].R)
	assert.Greater(t, jet[255].R, jet[255].B)
	assert.Equal(t, uint8(255), jet[128].G)
}

func TestOverlay_BlendsWithAlpha(t *testing.T) {
	h := ZeroHeatmap(4, 4)
	original := pngBytes(t, 8, 8, color.RGBA{R: 100, G: 100, B: 100, A: 255})

	img, err := Overlay(h, original, 0.4)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())

	c := img.RGBAAt(1, 1)
	heat := jet[0]
	assert.InDelta(t, 100*0.6+float64(heat.R)*0.4, float64(c.R), 1.5)
	assert.InDelta(t, 100*0.6+float64(heat.G)*0.4, float64(c.G), 1.5)
	assert.InDelta(t, 100*0.6+float64(heat.B)*0.4, float64(c.B), 1.5)
	assert.Equal(t, uint8(255), c.A)
}

func TestOverlay_Deterministic(t *testing.T) {
	r := rand.New(rand.NewSource(14))
	h := ZeroHeatmap(16, 16)
	for i := range h.Pix {
		h.Pix[i] = uint8(r.Intn(256))
	}
	original := pngBytes(t, 20, 30, color.RGBA{R: 10, G: 200, B: 90, A: 255})

	first, err := Overlay(h, original, DefaultAlpha)
	require.NoError(t, err)
	second, err := Overlay(h, original, DefaultAlpha)
	require.NoError(t, err)

	a, err := EncodeDataURI(first)
	require.NoError(t, err)
	b, err := EncodeDataURI(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestOverlay_RejectsCorruptImage(t *testing.T) {
	_, err := Overlay(ZeroHeatmap(4, 4), []byte{0x89, 0x50, 0x4e}, DefaultAlpha)
	assert.Error(t, err)

	_, err = Overlay(ZeroHeatmap(0, 0), pngBytes(t, 2, 2, color.White), DefaultAlpha)
	assert.ErrorIs(t, err, ErrEmptyHeatmap)
}
