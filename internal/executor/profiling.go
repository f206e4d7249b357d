package executor

import "fmt"

// GetProfilingInfo aggregates profiling records across every live
// subrequest, prefixing each node name with its owning subgraph index so
// records from different bodies never collide under one function call.
func (r *Request) GetProfilingInfo() []ProfileEntry {
	var out []ProfileEntry
	for i, h := range r.subrequests {
		if h == nil {
			continue
		}
		for _, e := range h.ProfilingInfo() {
			out = append(out, ProfileEntry{
				NodeName: fmt.Sprintf("subgraph%d: %s", i, e.NodeName),
				RealTime: e.RealTime,
				CPUTime:  e.CPUTime,
			})
		}
	}
	return out
}
