// Command seed loads pipeline template definitions from JSON files and
// upserts them by name, replacing any previously defined stages. Existing
// listings keep the stage instances they were materialized with, so reseeding
// never rewrites in-flight pipelines.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"farmtrackr/backend/internal/config"
	"farmtrackr/backend/internal/logging"
	"farmtrackr/backend/internal/repository"
	"farmtrackr/backend/pkg/models"
)

type pipelineFile struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Description *string `json:"description"`
	Stages      []struct {
		Key          string  `json:"key"`
		Name         string  `json:"name"`
		Order        int     `json:"order"`
		DurationDays *int    `json:"durationDays"`
		Trigger      *string `json:"trigger"`
		Tasks        []struct {
			Name         string  `json:"name"`
			DueInDays    *int    `json:"dueInDays"`
			AutoRepeat   bool    `json:"autoRepeat"`
			AutoComplete bool    `json:"autoComplete"`
			TriggerOn    *string `json:"triggerOn"`
		} `json:"tasks"`
	} `json:"stages"`
}

func main() {
	logger := logging.NewLogger()

	var configPath string
	rootCmd := &cobra.Command{
		Use:   "seed [pipeline.json...]",
		Short: "Seed listing pipeline templates from JSON definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, args, logger)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config directory")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, files []string, logger *logging.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return fmt.Errorf("connect to db: %w", err)
	}
	defer pool.Close()

	store := repository.NewPostgresPipelineStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	for _, path := range files {
		template, err := loadPipelineFile(path)
		if err != nil {
			return err
		}
		err = store.WithTransaction(ctx, func(ctx context.Context, tx repository.PipelineStore) error {
			return tx.SavePipelineTemplate(ctx, template)
		})
		if err != nil {
			return fmt.Errorf("seed %s: %w", path, err)
		}
		logger.Info("Seeded pipeline template: %s (%d stages)", template.Name, len(template.Stages))
	}

	logger.Info("Seeding complete!")
	return nil
}

func loadPipelineFile(path string) (*models.PipelineTemplate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var file pipelineFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	template := &models.PipelineTemplate{
		ID:          uuid.New().String(),
		Name:        file.Name,
		Type:        file.Type,
		Description: file.Description,
	}
	if template.Type == "" {
		template.Type = "listing"
	}

	for i, stage := range file.Stages {
		stageTemplate := &models.StageTemplate{
			ID:           uuid.New().String(),
			Key:          stage.Key,
			Name:         stage.Name,
			Sequence:     stage.Order,
			DurationDays: stage.DurationDays,
			Trigger:      stage.Trigger,
		}
		if stageTemplate.Key == "" {
			stageTemplate.Key = models.StageKeyFromName(stage.Name)
		}
		if stageTemplate.Sequence == 0 {
			stageTemplate.Sequence = i + 1
		}
		for _, task := range stage.Tasks {
			stageTemplate.Tasks = append(stageTemplate.Tasks, &models.TaskTemplate{
				ID:           uuid.New().String(),
				Name:         task.Name,
				DueInDays:    task.DueInDays,
				AutoRepeat:   task.AutoRepeat,
				AutoComplete: task.AutoComplete,
				TriggerOn:    task.TriggerOn,
			})
		}
		template.Stages = append(template.Stages, stageTemplate)
	}

	return template, nil
}
