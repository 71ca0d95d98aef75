// Package upload is the attachment pipeline: it pushes already-compressed
// image bytes to the backend and parks the returned reference in the
// timeline's pending-attachment slot until the next outgoing message picks
// it up. It never sends a chat message itself.
package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/supportsync/supportsync-go/internal/rest"
	"github.com/supportsync/supportsync-go/internal/timeline"
)

// ErrImageTooLarge marks a payload rejected by the backend for size. Callers
// map it to the dedicated user-facing message.
var ErrImageTooLarge = errors.New("image too large")

// Uploader is the slice of the backend client the pipeline needs.
type Uploader interface {
	UploadImage(ctx context.Context, userID int64, filename string, image []byte) (string, error)
}

// Pipeline uploads one image at a time. Overlapping uploads are tolerated:
// whichever completes last owns the pending slot (last writer wins).
type Pipeline struct {
	api Uploader
	tl  *timeline.Timeline
}

// NewPipeline creates an upload pipeline writing into the given timeline.
func NewPipeline(api Uploader, tl *timeline.Timeline) *Pipeline {
	return &Pipeline{api: api, tl: tl}
}

// Upload sends the image and, on success, stores the returned reference as
// the pending attachment. On failure the slot is left untouched. There is no
// retry; the user decides whether to try again.
func (p *Pipeline) Upload(ctx context.Context, userID int64, image []byte) (string, error) {
	filename := uuid.NewString() + ".jpg"

	imageURL, err := p.api.UploadImage(ctx, userID, filename, image)
	if err != nil {
		if isTooLarge(err) {
			return "", fmt.Errorf("%w: %s", ErrImageTooLarge, err)
		}
		return "", err
	}

	p.tl.SetPendingAttachment(imageURL)
	log.Debug().Str("image_url", imageURL).Msg("image uploaded, pending attachment set")
	return imageURL, nil
}

func isTooLarge(err error) bool {
	var apiErr *rest.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusRequestEntityTooLarge
	}
	// Some transports flatten the status into the error text.
	return strings.Contains(err.Error(), "413")
}
