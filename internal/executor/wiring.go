package executor

import "github.com/corvid-systems/nnexec/internal/logger"

// RewireAll rebinds every inter-subgraph link (C4). It is idempotent and
// must be re-run after any subrequest recreation (failover).
func (r *Request) RewireAll() error {
	for consumer, producer := range r.meta.SubmodelInputToPrevOutput {
		if err := r.wireOne(producer, consumer); err != nil {
			return err
		}
	}
	return nil
}

func (r *Request) wireOne(producer, consumer LinkFrom) error {
	consumerDesc := r.descriptors[consumer.Subgraph]
	producerDesc := r.descriptors[producer.Subgraph]

	if consumerDesc.IsOptimizedOut() {
		// Open Question 1: treated as a non-fatal warning, not an error.
		logger.WithSubgraph(r.log, consumer.Subgraph).Warn("link consumer was optimized out, skipping wire",
			"producer", producer, "consumer", consumer)
		return nil
	}
	if producerDesc.IsOptimizedOut() {
		return &StructuralError{Producer: producer, Consumer: consumer}
	}

	producerIsCall := producerDesc.IsFunctionCall()
	consumerIsCall := consumerDesc.IsFunctionCall()

	switch {
	case producerIsCall && consumerIsCall:
		// Resolved per-invocation in the function-pipeline scheduler.
		return nil
	case producerIsCall && !consumerIsCall:
		t, ok := r.funcallResult[producer]
		if !ok {
			return &StructuralError{Producer: producer, Consumer: consumer}
		}
		consumerHandle := r.subrequests[r.real(consumer.Subgraph)]
		consumerHandle.SetTensor(consumer.Port, t)
		return nil
	case !producerIsCall && consumerIsCall:
		// Resolved per-invocation in the function-pipeline scheduler.
		return nil
	default: // normal -> normal
		producerRealIdx := r.real(producer.Subgraph)
		producerHandle := r.subrequests[producerRealIdx]
		t := producerHandle.GetTensor(r.descriptors[producerRealIdx].OutputPort(producer.Port))
		consumerHandle := r.subrequests[r.real(consumer.Subgraph)]
		consumerHandle.SetTensor(consumer.Port, t)
		return nil
	}
}
