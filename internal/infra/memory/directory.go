package memory

import (
	"context"
	"sort"

	"osian-ranking-service/internal/domain"
)

// StaticDirectory is a fixed-map identity/cohort directory (useful for
// tests/demos). Unknown subjects resolve to an empty profile rather than an
// error; display info is cosmetic.
type StaticDirectory struct {
	profiles map[string]domain.SubjectProfile
}

func NewStaticDirectory(profiles map[string]domain.SubjectProfile) *StaticDirectory {
	if profiles == nil {
		profiles = make(map[string]domain.SubjectProfile)
	}
	return &StaticDirectory{profiles: profiles}
}

func (d *StaticDirectory) Profiles(_ context.Context, subjectIDs []string) (map[string]domain.SubjectProfile, error) {
	out := make(map[string]domain.SubjectProfile, len(subjectIDs))
	for _, id := range subjectIDs {
		if p, ok := d.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (d *StaticDirectory) CohortMembers(_ context.Context, cohort string) ([]string, error) {
	members := make([]string, 0)
	for id, p := range d.profiles {
		if p.Cohort == cohort {
			members = append(members, id)
		}
	}
	sort.Strings(members)
	return members, nil
}
