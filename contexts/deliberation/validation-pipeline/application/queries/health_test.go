package queries

import (
	"context"
	"errors"
	"testing"

	"conclave/contexts/deliberation/validation-pipeline/ports"
)

type downHealth struct{}

func (downHealth) CheckHealth(context.Context, []string) (ports.HealthSnapshot, error) {
	return ports.HealthSnapshot{}, errors.New("broker unreachable")
}

func (downHealth) Lag(context.Context, string, string) (int64, error) {
	return 0, errors.New("broker unreachable")
}

func TestUsableReflectsTransportHealth(t *testing.T) {
	uc := HealthUseCase{Health: &stubHealth{}, ConsumerGroups: []string{"group-1"}}
	if !uc.Usable(context.Background()) {
		t.Fatalf("healthy transport must report usable")
	}

	uc = HealthUseCase{Health: downHealth{}, ConsumerGroups: []string{"group-1"}}
	if uc.Usable(context.Background()) {
		t.Fatalf("an unreachable transport must report unusable")
	}
}

func TestCheckHealthPropagatesTransportError(t *testing.T) {
	uc := HealthUseCase{Health: downHealth{}}
	if _, err := uc.CheckHealth(context.Background()); err == nil {
		t.Fatalf("expected transport error to propagate")
	}
}
