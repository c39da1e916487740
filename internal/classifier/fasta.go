package classifier

import (
	"fmt"
	"strings"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
)

// Record is one named sequence parsed from FASTA input.
type Record struct {
	ID       string
	Sequence string
}

// ParseFASTA parses FASTA text into records. Headers start with '>'; a blank
// header gets a positional fallback ID. Sequence lines may be wrapped; empty
// lines are skipped. Sequence data before the first header, a header with no
// following data, and empty input are all errors wrapping
// apperrors.ErrValidation.
func ParseFASTA(text string) ([]Record, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty FASTA input", apperrors.ErrValidation)
	}

	var records []Record
	var currentID string
	var parts []string
	haveHeader := false

	flush := func() error {
		if len(parts) == 0 {
			return fmt.Errorf("%w: sequence %s has no sequence data", apperrors.ErrValidation, currentID)
		}
		records = append(records, Record{ID: currentID, Sequence: strings.Join(parts, "")})
		return nil
	}

	for lineNum, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ">") {
			if haveHeader {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			currentID = strings.TrimSpace(line[1:])
			if currentID == "" {
				currentID = fmt.Sprintf("sequence_%d", lineNum+1)
			}
			parts = parts[:0]
			haveHeader = true
			continue
		}

		if !haveHeader {
			return nil, fmt.Errorf("%w: sequence data found before header at line %d", apperrors.ErrValidation, lineNum+1)
		}
		parts = append(parts, line)
	}

	if haveHeader {
		if err := flush(); err != nil {
			return nil, err
		}
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no valid sequences found in FASTA input", apperrors.ErrValidation)
	}
	return records, nil
}
