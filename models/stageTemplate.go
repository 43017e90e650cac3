package models

import (
	"fmt"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
)

// StageTemplate is one expected stage seeded onto a new print job.
type StageTemplate struct {
	StageName                StageName `json:"stage_name"`
	RequiresCustomerApproval bool      `json:"requires_customer_approval"`
	EstimatedDuration        int       `json:"estimated_duration"`
}

var defaultStageTemplates = map[JobType][]StageTemplate{
	JobTypeBusinessCards: {
		{StageName: StageNameDesignReview, EstimatedDuration: 60},
		{StageName: StageNameCustomerProof, RequiresCustomerApproval: true, EstimatedDuration: 240},
		{StageName: StageNamePrePressSetup, EstimatedDuration: 30},
		{StageName: StageNamePrintingProcess, EstimatedDuration: 60},
		{StageName: StageNameCuttingAndTrimming, EstimatedDuration: 30},
		{StageName: StageNameQualityInspection, EstimatedDuration: 15},
		{StageName: StageNamePackaging, EstimatedDuration: 15},
		{StageName: StageNameReadyForDelivery},
	},
	JobTypeBrochures: {
		{StageName: StageNameDesignReview, EstimatedDuration: 120},
		{StageName: StageNameCustomerProof, RequiresCustomerApproval: true, EstimatedDuration: 480},
		{StageName: StageNamePrePressSetup, EstimatedDuration: 60},
		{StageName: StageNamePlateMaking, EstimatedDuration: 90},
		{StageName: StageNamePrintingProcess, EstimatedDuration: 180},
		{StageName: StageNameFinishing, EstimatedDuration: 60},
		{StageName: StageNameBinding, EstimatedDuration: 120},
		{StageName: StageNameQualityInspection, EstimatedDuration: 30},
		{StageName: StageNamePackaging, EstimatedDuration: 30},
		{StageName: StageNameReadyForDelivery},
	},
	JobTypeBanners: {
		{StageName: StageNameDesignReview, EstimatedDuration: 60},
		{StageName: StageNameCustomerProof, RequiresCustomerApproval: true, EstimatedDuration: 240},
		{StageName: StageNamePrintingProcess, EstimatedDuration: 120},
		{StageName: StageNameLamination, EstimatedDuration: 60},
		{StageName: StageNameFinishing, EstimatedDuration: 60},
		{StageName: StageNameQualityInspection, EstimatedDuration: 15},
		{StageName: StageNameReadyForDelivery},
	},
	JobTypeFlyers: {
		{StageName: StageNameDesignReview, EstimatedDuration: 60},
		{StageName: StageNamePrePressSetup, EstimatedDuration: 30},
		{StageName: StageNamePrintingProcess, EstimatedDuration: 90},
		{StageName: StageNameCuttingAndTrimming, EstimatedDuration: 30},
		{StageName: StageNameQualityInspection, EstimatedDuration: 15},
		{StageName: StageNamePackaging, EstimatedDuration: 15},
		{StageName: StageNameReadyForDelivery},
	},
	JobTypePosters: {
		{StageName: StageNameDesignReview, EstimatedDuration: 60},
		{StageName: StageNameCustomerProof, RequiresCustomerApproval: true, EstimatedDuration: 240},
		{StageName: StageNamePrintingProcess, EstimatedDuration: 90},
		{StageName: StageNameLamination, EstimatedDuration: 45},
		{StageName: StageNameQualityInspection, EstimatedDuration: 15},
		{StageName: StageNamePackaging, EstimatedDuration: 15},
		{StageName: StageNameReadyForDelivery},
	},
	JobTypeCustom: {
		{StageName: StageNameDesignReview},
		{StageName: StageNamePrintingProcess},
		{StageName: StageNameQualityInspection},
		{StageName: StageNameReadyForDelivery},
	},
}

// StageTemplateFor returns the stages a new job of jobType starts with. An
// override file replaces the built-in list for the job types it names.
func StageTemplateFor(jobType JobType) ([]StageTemplate, error) {
	if !jobType.IsValid() {
		return nil, fmt.Errorf("%w: job type %q", ErrInvalidInput, jobType)
	}
	overrides, err := config.GetStageTemplateOverrides()
	if err != nil {
		return nil, err
	}
	if overrides != nil {
		if entries, ok := overrides.Templates[string(jobType)]; ok {
			return templatesFromConfig(entries)
		}
	}
	defaults := defaultStageTemplates[jobType]
	out := make([]StageTemplate, len(defaults))
	copy(out, defaults)
	return out, nil
}

func templatesFromConfig(entries []config.StageTemplateEntry) ([]StageTemplate, error) {
	out := make([]StageTemplate, 0, len(entries))
	for _, e := range entries {
		name, err := ParseStageName(e.Stage)
		if err != nil {
			return nil, fmt.Errorf("stage templates: %w", err)
		}
		out = append(out, StageTemplate{
			StageName:                name,
			RequiresCustomerApproval: e.RequiresCustomerApproval,
			EstimatedDuration:        e.EstimatedMinutes,
		})
	}
	return out, nil
}

// stagesFromTemplate builds pending stages numbered from 1.
func stagesFromTemplate(companyId string, templates []StageTemplate) []ProductionStage {
	stages := make([]ProductionStage, 0, len(templates))
	for i, t := range templates {
		var estimated *int
		if t.EstimatedDuration > 0 {
			minutes := t.EstimatedDuration
			estimated = &minutes
		}
		stages = append(stages, newProductionStage(companyId, t.StageName, i+1, t.RequiresCustomerApproval, estimated))
	}
	return stages
}
