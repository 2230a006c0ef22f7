package handlers

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/auth"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/eventlog"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// UploadField is the multipart field carrying the zipped partitions.
const UploadField = "data_package"

var errPackageTooLarge = errors.New("data package too large")

// Archive merges uploaded partitions into the server side event log.
type Archive interface {
	Merge(device string, events []models.PassengerEvent) (eventlog.MergeStats, error)
}

// uploadPackage is what could be read from an uploaded zip.
type uploadPackage struct {
	Events       []models.PassengerEvent
	Files        int
	BadRecords   int
	CorruptFiles int
}

// readPackage reads every partition file of a zip archive. limit bounds the
// total uncompressed size.
func readPackage(r io.ReaderAt, size, limit int64) (uploadPackage, error) {
	var pkg uploadPackage
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return pkg, fmt.Errorf("invalid zip archive: %w", err)
	}

	remaining := limit
	for _, f := range zr.File {
		name := path.Base(f.Name)
		if f.FileInfo().IsDir() || !strings.HasSuffix(name, ".json") || name == "cursor.json" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return pkg, fmt.Errorf("open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, remaining+1))
		rc.Close()
		if err != nil {
			return pkg, fmt.Errorf("read %s: %w", f.Name, err)
		}
		if int64(len(data)) > remaining {
			return pkg, errPackageTooLarge
		}
		remaining -= int64(len(data))

		events, bad, syntaxErr := eventlog.DecodePartition(data)
		pkg.Files++
		pkg.BadRecords += bad
		if syntaxErr != nil {
			pkg.CorruptFiles++
		}
		pkg.Events = append(pkg.Events, events...)
	}
	return pkg, nil
}

// RegisterUploadRoutes registers the snapshot fallback endpoint.
//
// POST /upload-data
// - Requires device credentials
// - Multipart field data_package holds a zip of log partitions
// - Merged with per-record signature dedup, never overwriting stored records
func RegisterUploadRoutes(r gin.IRoutes, archive Archive, maxBytes int64, log zerolog.Logger) {
	log = log.With().Str("component", "upload").Logger()

	r.POST("/upload-data", func(c *gin.Context) {
		device := auth.DeviceID(c)
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)

		fh, err := c.FormFile(UploadField)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": UploadField + " file required"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
			return
		}
		defer f.Close()

		pkg, err := readPackage(f, fh.Size, maxBytes)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if pkg.CorruptFiles > 0 || pkg.BadRecords > 0 {
			log.Warn().
				Str("device_id", device).
				Int("corrupt_files", pkg.CorruptFiles).
				Int("bad_records", pkg.BadRecords).
				Msg("uploaded partitions partially corrupt")
		}

		stats, err := archive.Merge(device, pkg.Events)
		if err != nil {
			log.Error().Err(err).Str("device_id", device).Msg("merge upload")
			writeError(c, err)
			return
		}

		log.Info().
			Str("device_id", device).
			Int("files", pkg.Files).
			Int("added", stats.Added).
			Int("duplicates", stats.Duplicates).
			Int("completed", stats.Completed).
			Msg("snapshot merged")

		c.JSON(http.StatusOK, gin.H{
			"message":     "data merged",
			"files":       pkg.Files,
			"added":       stats.Added,
			"completed":   stats.Completed,
			"duplicates":  stats.Duplicates,
			"invalid":     stats.Invalid + pkg.BadRecords,
			"corrupt":     pkg.CorruptFiles,
			"total_found": len(pkg.Events),
		})
	})
}
