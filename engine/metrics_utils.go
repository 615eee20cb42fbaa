package engine

import (
	"expvar"
	"fmt"
)

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// observeLatency records the duration in the provided histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if countInt, ok := histMap.Get("count").(*expvar.Int); ok {
		countInt.Add(1)
	}
	if sumFloat, ok := histMap.Get("sum").(*expvar.Float); ok {
		sumFloat.Add(durationSeconds)
	}
	// Cumulative: an observation counts in its bucket and every larger one.
	for _, b := range latencyBuckets {
		if durationSeconds > b {
			continue
		}
		if bucketInt, ok := histMap.Get(fmt.Sprintf("le_%.3f", b)).(*expvar.Int); ok {
			bucketInt.Add(1)
		}
	}
	if infInt, ok := histMap.Get("le_inf").(*expvar.Int); ok {
		infInt.Add(1)
	}
}

// publishExpvarInt publishes an expvar.Int, resetting an existing one of the
// same name. It panics if the name is taken by another type.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarFloat is publishExpvarInt for floats.
func publishExpvarFloat(name string) *expvar.Float {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewFloat(name)
	}
	if fv, ok := v.(*expvar.Float); ok {
		fv.Set(0.0)
		return fv
	}
	panic(fmt.Sprintf("expvar: trying to publish Float %s but variable already exists with different type %T", name, v))
}

// publishExpvarMap returns the existing map of that name or registers a new
// one. The caller resets the map's members.
func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
