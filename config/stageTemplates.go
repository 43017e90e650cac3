package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// StageTemplateFile is the optional operator override for the stages seeded
// on new print jobs. Example:
//
//	[[templates.business_cards]]
//	stage = "design_review"
//	estimated_minutes = 60
//
//	[[templates.business_cards]]
//	stage = "customer_proof"
//	requires_customer_approval = true
type StageTemplateFile struct {
	Templates map[string][]StageTemplateEntry `toml:"templates"`
}

type StageTemplateEntry struct {
	Stage                    string `toml:"stage"`
	RequiresCustomerApproval bool   `toml:"requires_customer_approval"`
	EstimatedMinutes         int    `toml:"estimated_minutes"`
}

var (
	stageTemplatesOnce sync.Once
	stageTemplates     *StageTemplateFile
	stageTemplatesErr  error
)

// GetStageTemplateOverrides loads STAGE_TEMPLATES_FILE once. A nil file with a
// nil error means no override is configured.
func GetStageTemplateOverrides() (*StageTemplateFile, error) {
	stageTemplatesOnce.Do(func() {
		path := strings.TrimSpace(os.Getenv("STAGE_TEMPLATES_FILE"))
		if path == "" {
			return
		}
		stageTemplates, stageTemplatesErr = LoadStageTemplateFile(path)
	})
	return stageTemplates, stageTemplatesErr
}

func LoadStageTemplateFile(path string) (*StageTemplateFile, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open stage templates: %w", err)
	}
	defer file.Close()
	return DecodeStageTemplates(file)
}

func DecodeStageTemplates(r io.Reader) (*StageTemplateFile, error) {
	var tpl StageTemplateFile
	decoder := toml.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&tpl); err != nil {
		return nil, fmt.Errorf("parse stage templates: %w", err)
	}
	for jobType, entries := range tpl.Templates {
		if len(entries) == 0 {
			return nil, fmt.Errorf("stage templates: %s has no stages", jobType)
		}
		for i, e := range entries {
			if strings.TrimSpace(e.Stage) == "" {
				return nil, fmt.Errorf("stage templates: %s[%d] has no stage name", jobType, i)
			}
			if e.EstimatedMinutes < 0 {
				return nil, fmt.Errorf("stage templates: %s[%d] has negative estimated_minutes", jobType, i)
			}
		}
	}
	return &tpl, nil
}
