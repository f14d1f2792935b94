// Package profiledump exports a frame-residency snapshot in pprof's
// profile.proto format via github.com/google/pprof/profile, standing
// in for the teacher's D_PROF profiling device (a /dev node a debug
// shell could cat to pull a heap profile) as a library call instead of
// a device-file read, since the device registry itself is out of
// scope here (spec §1).
package profiledump

import (
	"time"

	"github.com/google/pprof/profile"

	"vmkernel/pcache"
)

// / Snapshot builds a one-sample-per-object profile of resident frame
// / counts, keyed by memory-object ID, sampled from cache. It is meant
// / to be marshalled with (*profile.Profile).Write for inspection with
// / any standard pprof tool.
func Snapshot(cache *pcache.Cache, objIDs []pcache.ObjID) *profile.Profile {
	valType := &profile.ValueType{Type: "frames", Unit: "count"}
	sampleType := []*profile.ValueType{valType}

	locByObj := make(map[pcache.ObjID]*profile.Location)
	funcByObj := make(map[pcache.ObjID]*profile.Function)
	var locs []*profile.Location
	var funcs []*profile.Function
	var samples []*profile.Sample

	var nextID uint64 = 1
	for _, id := range objIDs {
		resident := cache.ResidentByObject(id)
		if len(resident) == 0 {
			continue
		}

		fn, ok := funcByObj[id]
		if !ok {
			fn = &profile.Function{ID: nextID, Name: objName(id)}
			nextID++
			funcByObj[id] = fn
			funcs = append(funcs, fn)
		}
		loc, ok := locByObj[id]
		if !ok {
			loc = &profile.Location{
				ID:   nextID,
				Line: []profile.Line{{Function: fn}},
			}
			nextID++
			locByObj[id] = loc
			locs = append(locs, loc)
		}

		samples = append(samples, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(len(resident))},
		})
	}

	return &profile.Profile{
		SampleType:    sampleType,
		Sample:        samples,
		Location:      locs,
		Function:      funcs,
		TimeNanos:     time.Now().UnixNano(),
		DurationNanos: 0,
	}
}

func objName(id pcache.ObjID) string {
	return "memobj#" + itoa(uint64(id))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
