package main

import (
	"github.com/ariannamethod/weft/model"
	"github.com/ariannamethod/weft/werr"
)

// loadModel builds a model.Handle from a weights file path. GGUF parsing,
// the tokenizer, and the tensor-name schema walk all belong to an external
// loader — weft's core never parses a model file itself. A real deployment
// replaces this var with a loader that reads the weights file and its
// tokenizer section; left unset here, it reports the boundary explicitly
// rather than guessing at a format this module does not own.
var loadModel = func(path string) (*model.Handle, error) {
	return nil, werr.New(werr.ShapeMismatch,
		"weft: no model loader registered — model-file parsing belongs to an external loader; build with one wired into cmd/weft.loadModel")
}
