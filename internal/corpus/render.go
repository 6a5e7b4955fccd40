package corpus

import (
	"encoding/base64"
	"log/slog"
	"os"

	"github.com/BTreeMap/CorpusPipe/internal/models"
)

// Render prepares a stored reply for sending. Every image segment backed by a
// readable local file is inlined as a base64:// payload; segments whose file is
// gone are passed through unchanged so the rest of the reply still goes out.
func Render(reply models.Message) models.Message {
	out := reply.Clone()
	for i, seg := range out {
		if seg.Type != models.SegmentTypeImage || seg.Data.File == "" {
			continue
		}
		data, err := os.ReadFile(seg.Data.File)
		if err != nil {
			slog.Warn("corpus.Render: image unavailable, sending reference as is", "file", seg.Data.File, "error", err)
			continue
		}
		out[i] = models.Image(models.Base64Prefix + base64.StdEncoding.EncodeToString(data))
	}
	return out
}
