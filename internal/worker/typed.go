package worker

import (
	"context"
	"fmt"
)

// Go starts a typed job on m with Start. onSuccess receives the job's value; onFailure its error.
func Go[T any](m *Manager, class Class, job func(ctx context.Context) (T, error), onSuccess func(T), onFailure func(error)) (*Handle, error) {
	return m.Start(class, untyped(job), typedCallbacks(class, onSuccess, onFailure))
}

// GoSpawn is Go for jobs started with Spawn.
func GoSpawn[T any](m *Manager, class Class, job func(ctx context.Context) (T, error), onSuccess func(T), onFailure func(error)) (*Handle, error) {
	return m.Spawn(class, untyped(job), typedCallbacks(class, onSuccess, onFailure))
}

func untyped[T any](job func(ctx context.Context) (T, error)) Job {
	return func(ctx context.Context) (any, error) {
		return job(ctx)
	}
}

func typedCallbacks[T any](class Class, onSuccess func(T), onFailure func(error)) Callbacks {
	return Callbacks{
		OnSuccess: func(v any) {
			var typed T
			if v != nil {
				var ok bool
				if typed, ok = v.(T); !ok {
					if onFailure != nil {
						onFailure(fmt.Errorf("job %s returned %T", class, v))
					}
					return
				}
			}
			if onSuccess != nil {
				onSuccess(typed)
			}
		},
		OnFailure: onFailure,
	}
}
