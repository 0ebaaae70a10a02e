package entity

import "time"

type PollOption struct {
	Text  string `bson:"text" json:"text"`
	Votes int    `bson:"votes" json:"votes"`
}

type PollVote struct {
	UserId        string     `bson:"userId" json:"userId"`
	OptionIndices []int      `bson:"optionIndices" json:"optionIndices"`
	VotedAt       *time.Time `bson:"votedAt,omitempty" json:"votedAt,omitempty"`
}

type PollMetadata struct {
	Question      string       `bson:"question" json:"question"`
	Options       []PollOption `bson:"options" json:"options"`
	AllowMultiple bool         `bson:"allowMultiple" json:"allowMultiple"`
	Votes         []PollVote   `bson:"votes,omitempty" json:"votes,omitempty"`
}

func (p PollMetadata) Clone() PollMetadata {
	out := p
	out.Options = append([]PollOption(nil), p.Options...)
	if p.Votes != nil {
		out.Votes = make([]PollVote, len(p.Votes))
		for i, v := range p.Votes {
			v.OptionIndices = append([]int(nil), v.OptionIndices...)
			out.Votes[i] = v
		}
	}
	return out
}

// Normalize collapses duplicate votes by the same user, keeping the latest
// one at the position of the first.
func (p *PollMetadata) Normalize() {
	if len(p.Votes) == 0 {
		return
	}

	pos := make(map[string]int, len(p.Votes))
	out := make([]PollVote, 0, len(p.Votes))
	for _, v := range p.Votes {
		v.OptionIndices = p.cleanIndices(v.OptionIndices)
		if i, ok := pos[v.UserId]; ok {
			out[i] = v
			continue
		}
		pos[v.UserId] = len(out)
		out = append(out, v)
	}
	p.Votes = out

	p.retally()
}

func (p PollMetadata) VoteOf(userId string) (PollVote, bool) {
	for _, v := range p.Votes {
		if v.UserId == userId {
			return v, true
		}
	}
	return PollVote{}, false
}

func (p PollMetadata) VotesFor(option int) int {
	if option < 0 || option >= len(p.Options) {
		return 0
	}
	if p.Votes == nil {
		return p.Options[option].Votes
	}
	count := 0
	for _, v := range p.Votes {
		for _, idx := range v.OptionIndices {
			if idx == option {
				count++
				break
			}
		}
	}
	return count
}

// TotalVoters is the number of distinct users who voted.
func (p PollMetadata) TotalVoters() int {
	return len(p.Votes)
}

func (p PollMetadata) Percentage(option int) int {
	total := p.TotalVoters()
	if total == 0 {
		return 0
	}
	return (p.VotesFor(option)*100 + total/2) / total
}

func (p PollMetadata) cleanIndices(indices []int) []int {
	seen := make(map[int]bool, len(indices))
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(p.Options) || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
		if !p.AllowMultiple {
			break
		}
	}
	return out
}

func (p *PollMetadata) retally() {
	for i := range p.Options {
		p.Options[i].Votes = 0
	}
	for _, v := range p.Votes {
		for _, idx := range v.OptionIndices {
			p.Options[idx].Votes++
		}
	}
}
