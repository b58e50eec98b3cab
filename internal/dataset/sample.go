package dataset

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/config"
)

const IID = "iid"
const PATHOLOGICAL = "pathological"

// Sample splits ds into clientNum clones with disjoint indexes. num samples go
// to every client; zero divides the dataset evenly.
func Sample(ds *Adapter, clientNum int, method config.SampleMethodConfig, num int, seed int64) ([]*Adapter, error) {
	if clientNum <= 0 {
		return nil, fmt.Errorf("%w: client number must be positive, got %d", common.ErrConfiguration, clientNum)
	}
	if num == 0 {
		num = ds.Len() / clientNum
	}
	if num < 0 || num*clientNum > ds.Len() {
		return nil, fmt.Errorf("%w: %d clients with %d samples each do not fit %d samples", common.ErrConfiguration,
			clientNum, num, ds.Len())
	}

	rng := rand.New(rand.NewSource(seed))

	var shards [][]int
	var err error
	switch method.Name {
	case IID:
		shards = sampleIID(ds.Indexes(), clientNum, num, rng)
	case PATHOLOGICAL:
		shards, err = samplePathological(ds, clientNum, num, method.Alpha, rng)
	default:
		err = fmt.Errorf("%w: unknown sample method %q", common.ErrConfiguration, method.Name)
	}
	if err != nil {
		return nil, err
	}

	clients := make([]*Adapter, clientNum)
	for i, shard := range shards {
		clients[i] = ds.Clone()
		if err := clients[i].SetIndexes(shard); err != nil {
			return nil, err
		}
	}

	return clients, nil
}

func sampleIID(indexes []int, clientNum int, num int, rng *rand.Rand) [][]int {
	rng.Shuffle(len(indexes), func(i, j int) {
		indexes[i], indexes[j] = indexes[j], indexes[i]
	})

	shards := make([][]int, clientNum)
	for i := range shards {
		shards[i] = indexes[i*num : (i+1)*num]
	}
	return shards
}

// samplePathological gives every client samples from alpha classes only.
func samplePathological(ds *Adapter, clientNum int, num int, alpha int, rng *rand.Rand) ([][]int, error) {
	classes := ds.Classes()
	if alpha <= 0 || alpha > classes {
		return nil, fmt.Errorf("%w: alpha must be in [1, %d], got %d", common.ErrConfiguration, classes, alpha)
	}

	labels, err := Labels(ds.Source())
	if err != nil {
		return nil, err
	}
	pools := make([][]int, classes)
	for _, index := range ds.Indexes() {
		pools[labels[index]] = append(pools[labels[index]], index)
	}
	for _, pool := range pools {
		rng.Shuffle(len(pool), func(i, j int) {
			pool[i], pool[j] = pool[j], pool[i]
		})
	}

	shards := make([][]int, clientNum)
	for c := range shards {
		chosen := rng.Perm(classes)[:alpha]
		sort.Ints(chosen)

		for k, class := range chosen {
			take := num / alpha
			if k < num%alpha {
				take++
			}
			if take > len(pools[class]) {
				return nil, fmt.Errorf("%w: class %d has %d samples left, client %d needs %d", common.ErrConfiguration,
					class, len(pools[class]), c, take)
			}
			shards[c] = append(shards[c], pools[class][:take]...)
			pools[class] = pools[class][take:]
		}
	}

	return shards, nil
}
