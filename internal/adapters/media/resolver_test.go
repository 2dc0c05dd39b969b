package media

import (
	"context"
	"testing"

	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLResolver(t *testing.T) {
	r := NewURLResolver(nil)
	ctx := context.Background()

	got, err := r.Resolve(ctx, domain.KindVoice, " https://cdn.example.com/a.ogg ")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.ogg", got)

	for _, bad := range []string{"", "ftp://x/a", "/relative/path", "https://", "data:image/png;base64,AAA"} {
		_, err := r.Resolve(ctx, domain.KindImage, bad)
		assert.ErrorIs(t, err, core.ErrBadMedia, bad)
	}
}

func TestURLResolver_AllowedHosts(t *testing.T) {
	r := NewURLResolver([]string{"CDN.example.com"})
	ctx := context.Background()

	_, err := r.Resolve(ctx, domain.KindFile, "https://cdn.example.com/f.pdf")
	require.NoError(t, err)

	_, err = r.Resolve(ctx, domain.KindFile, "https://evil.example.org/f.pdf")
	assert.ErrorIs(t, err, core.ErrBadMedia)
}
