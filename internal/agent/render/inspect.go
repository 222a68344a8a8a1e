package render

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/feichai0017/report-pipeline/internal/models"
)

// ErrInvalidPDF wraps structural validation failures.
var ErrInvalidPDF = errors.New("invalid pdf")

// Validate checks the PDF structure in relaxed mode, which real-world reports need.
func Validate(data []byte) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	return nil
}

// Inspect reads page count, title and author without rasterizing anything.
func Inspect(data []byte) (models.DocumentMetadata, error) {
	reader := bytes.NewReader(data)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return models.DocumentMetadata{}, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}

	hash := sha256.Sum256(data)
	metadata := models.DocumentMetadata{
		FileType: models.PDF,
		FileSize: int64(len(data)),
		Pages:    pdfReader.NumPage(),
		Hash:     hex.EncodeToString(hash[:]),
	}

	trailer := pdfReader.Trailer()
	if !trailer.IsNull() {
		info := trailer.Key("Info")
		if !info.IsNull() {
			if title := info.Key("Title"); !title.IsNull() {
				metadata.Title = title.Text()
			}
			if author := info.Key("Author"); !author.IsNull() {
				metadata.Author = author.Text()
			}
		}
	}
	return metadata, nil
}
