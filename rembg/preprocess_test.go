package rembg

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/nobg/util"
)

type mockRemover struct {
	mock.Mock
}

func (m *mockRemover) Remove(ctx context.Context, data []byte) ([]byte, error) {
	args := m.Called(ctx, data)
	out, _ := args.Get(0).([]byte)
	return out, args.Error(1)
}

func encode(t *testing.T, img image.Image) []byte {
	t.Helper()
	data, err := util.EncodePNG(img)
	require.NoError(t, err)
	return data
}

func TestPreprocessor_ShrinksLargeInputs(t *testing.T) {
	next := &mockRemover{}
	next.On("Remove", mock.Anything, mock.MatchedBy(func(data []byte) bool {
		img, _, err := util.DecodeImage(data)
		return err == nil && img.Bounds().Dx() == 32 && img.Bounds().Dy() == 16
	})).Return([]byte("done"), nil).Once()

	p := NewPreprocessor(next, 32, false)
	got, err := p.Remove(context.Background(), encode(t, subject(64, 0).SubImage(image.Rect(0, 0, 64, 32))))
	require.NoError(t, err)
	assert.Equal(t, "done", string(got))
	next.AssertExpectations(t)
}

func TestPreprocessor_PassesSmallInputsThrough(t *testing.T) {
	data := encode(t, subject(8, 2))

	next := &mockRemover{}
	next.On("Remove", mock.Anything, data).Return([]byte("done"), nil).Once()

	_, err := NewPreprocessor(next, 32, false).Remove(context.Background(), data)
	require.NoError(t, err)
	next.AssertExpectations(t)
}

func TestPreprocessor_SkipsTransparentInputs(t *testing.T) {
	img := subject(8, 2)
	img.SetNRGBA(0, 0, color.NRGBA{A: 0})

	next := &mockRemover{}
	got, err := NewPreprocessor(next, 0, true).Remove(context.Background(), encode(t, img))
	require.NoError(t, err)
	next.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)

	decoded, _, err := util.DecodeImage(got)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), util.ToNRGBA(decoded).NRGBAAt(0, 0).A)
}

func TestPreprocessor_PropagatesErrors(t *testing.T) {
	next := &mockRemover{}
	next.On("Remove", mock.Anything, mock.Anything).Return(nil, errors.New("model crashed"))

	_, err := NewPreprocessor(next, 0, true).Remove(context.Background(), encode(t, subject(4, 1)))
	assert.EqualError(t, err, "model crashed")

	_, err = NewPreprocessor(next, 0, true).Remove(context.Background(), []byte("not an image"))
	assert.ErrorContains(t, err, "decode image")
}
