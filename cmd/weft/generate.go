package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ariannamethod/weft/config"
	"github.com/ariannamethod/weft/engine"
	"github.com/ariannamethod/weft/kvcache"
	"github.com/ariannamethod/weft/model"
)

var (
	weightsPath string
	configPath  string
	prompt      string
	maxTokens   int
	temperature float64
	topK        int
	topP        float64
	minP        float64
	seed        int64
	stopStrings []string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run prefill+decode over a prompt and print the completion",
	RunE:  runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&weightsPath, "weights", "", "path to a model weights file (required)")
	generateCmd.Flags().StringVar(&configPath, "config", "", "path to a RuntimeConfig YAML file (optional)")
	generateCmd.Flags().StringVar(&prompt, "prompt", "", "input prompt (required)")
	generateCmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "max output tokens (0 = use config default)")
	generateCmd.Flags().Float64Var(&temperature, "temperature", -1, "sampling temperature (negative = use config default)")
	generateCmd.Flags().IntVar(&topK, "top-k", -1, "top-k cutoff (negative = use config default)")
	generateCmd.Flags().Float64Var(&topP, "top-p", -1, "nucleus top-p (negative = use config default)")
	generateCmd.Flags().Float64Var(&minP, "min-p", -1, "min-p cutoff (negative = use config default)")
	generateCmd.Flags().Int64Var(&seed, "seed", 0, "sampling seed")
	generateCmd.Flags().StringArrayVar(&stopStrings, "stop", nil, "stop string (repeatable)")

	_ = generateCmd.MarkFlagRequired("weights")
	_ = generateCmd.MarkFlagRequired("prompt")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	rc, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	h, err := loadModel(weightsPath)
	if err != nil {
		return err
	}
	if err := h.Config.Validate(); err != nil {
		return fmt.Errorf("model config: %w", err)
	}

	store := kvcache.NewStore(rc.KVCacheCapacityBytes, rc.KVCacheMaxEntries, h.Config.NumLayers, h.Config.KVHeadCount, h.Config.HeadDim())
	sessionID := uuid.NewString()
	sess, err := store.Acquire(sessionID, kvcache.Shape{
		Layers:   h.Config.NumLayers,
		KVHeads:  h.Config.KVHeadCount,
		HeadDim:  h.Config.HeadDim(),
		Capacity: h.Config.ContextLen,
	})
	if err != nil {
		return fmt.Errorf("kv cache: %w", err)
	}
	defer store.Drop(sessionID)

	scratch := model.NewScratch(&h.Config)
	promptTokens := h.Tokenizer.Encode(prompt)

	params := engine.GenerateParams{
		MaxOutputTokens: firstPositiveInt(maxTokens, rc.MaxOutputTokens),
		StopStrings:     stopStrings,
		Timeout:         rc.Timeout,
		Sampling: engine.SamplingParams{
			Temperature:       firstNonNegativeFloat(temperature, float64(rc.Temperature)),
			TopK:              firstPositiveIntAllowNeg(topK, rc.TopK),
			TopP:              firstNonNegativeFloat(topP, float64(rc.TopP)),
			MinP:              firstNonNegativeFloat(minP, float64(rc.MinP)),
			RepetitionPenalty: rc.RepetitionPenalty,
			Seed:              seed,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), params.Timeout+time.Second)
	defer cancel()

	start := time.Now()
	result, err := engine.Generate(ctx, h, sess, scratch, promptTokens, params)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"component": "cmd.generate",
		"tokens":    len(result.Tokens),
		"finish":    result.Finish.String(),
		"elapsed":   time.Since(start).String(),
	}).Info("generation complete")

	fmt.Println(result.Text)
	return nil
}

func firstPositiveInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstPositiveIntAllowNeg(v, fallback int) int {
	if v >= 0 {
		return v
	}
	return fallback
}

func firstNonNegativeFloat(v, fallback float64) float32 {
	if v >= 0 {
		return float32(v)
	}
	return float32(fallback)
}
