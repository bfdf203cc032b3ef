package evaluate

import (
	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/datastore"
	"github.com/sidratresearch/rail-base-sub000/pipeline"
)

func init() {
	pipeline.RegisterStage("Evaluator", func(name string, store *datastore.Store, comm rail.Collective, config map[string]interface{}) (pipeline.StageRunner, error) {
		return CreateEvaluator(name, store, comm, config)
	})
}
