// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

// Rank identifies a peer in the communicator: an integer in [0, size).
// Immutable within an epoch.
type Rank uint32

// RankSet is a subset of the communicator's ranks, iterable by index.
type RankSet interface {
	IsValid(r Rank) bool
	Count() Rank
	RankFromIndex(idx Rank) Rank
}

// AllRanks is the full set [0, size).
type AllRanks Rank

func (a AllRanks) IsValid(r Rank) bool        { return r < Rank(a) }
func (a AllRanks) Count() Rank                { return Rank(a) }
func (a AllRanks) RankFromIndex(idx Rank) Rank { return idx }

// RankList is an explicit subset of ranks, in list order.
type RankList []Rank

func (l RankList) IsValid(r Rank) bool {
	for _, x := range l {
		if x == r {
			return true
		}
	}
	return false
}

func (l RankList) Count() Rank { return Rank(len(l)) }

func (l RankList) RankFromIndex(idx Rank) Rank { return l[idx] }
