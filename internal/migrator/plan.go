package migrator

import (
	"github.com/ksred/dbmigrator/internal/config"
	"github.com/ksred/dbmigrator/internal/models"
)

// AllMigrations is the rollback target that undoes the whole history
const AllMigrations = "all"

// rollbackSet returns the records to undo for target, most recently applied
// first. applied must be in ledger order (oldest first). widened is true when
// target was not found and the policy rolled back everything instead.
func rollbackSet(applied []models.AppliedScript, target, policy string) (set []models.AppliedScript, widened bool, err error) {
	cut := 0
	if target != "" && target != AllMigrations {
		found := -1
		for i := len(applied) - 1; i >= 0; i-- {
			if applied[i].MigrationName == target {
				found = i
				break
			}
		}
		switch {
		case found >= 0:
			cut = found + 1
		case policy == config.UnknownTargetReject:
			return nil, false, &UnknownTargetError{Target: target}
		default:
			widened = true
		}
	}

	set = make([]models.AppliedScript, 0, len(applied)-cut)
	for i := len(applied) - 1; i >= cut; i-- {
		set = append(set, applied[i])
	}
	return set, widened, nil
}
