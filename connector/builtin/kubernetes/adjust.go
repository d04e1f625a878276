// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package kubernetes

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/hashicorp/servo-agent/sdk"
	"github.com/hashicorp/servo-agent/sdk/helper/ptr"
)

const rolloutPollInterval = 2 * time.Second

// Adjust applies the proposed setting changes to the targeted deployments
// and blocks until every changed deployment's rollout has converged or the
// deadline elapsed. A timed-out adjust surfaces context.DeadlineExceeded so
// the runtime reports it distinctly from a rejected one; the change may
// still be in flight on the cluster.
func (c *Connector) Adjust(ctx context.Context, adjustments []*sdk.Adjustment) (*sdk.AdjustmentOutcome, error) {
	if c.clientset == nil {
		return nil, fmt.Errorf("connector has not been configured")
	}

	if c.rolloutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.rolloutTimeout)
		defer cancel()
	}

	outcome := &sdk.AdjustmentOutcome{}
	start := time.Now()

	var changed []string
	for _, adj := range adjustments {
		tgt, ok := c.targetFor(adj.Component)
		if !ok {
			return nil, fmt.Errorf("component %q is not a configured deployment", adj.Component)
		}

		if err := c.applyAdjustment(ctx, tgt, adj); err != nil {
			return nil, err
		}

		changed = append(changed, tgt.Deployment)
		outcome.Applied = append(outcome.Applied, adj)
	}

	for _, name := range changed {
		if err := c.waitForRollout(ctx, name); err != nil {
			return nil, fmt.Errorf("rollout of deployment %q did not converge: %w", name, err)
		}
	}

	outcome.ConvergedIn = time.Since(start).Round(time.Millisecond).String()
	return outcome, nil
}

func (c *Connector) targetFor(component string) (target, bool) {
	for _, t := range c.targets {
		if t.Deployment == component {
			return t, true
		}
	}
	return target{}, false
}

// applyAdjustment mutates one deployment's replica count and container
// resources according to the proposed settings.
func (c *Connector) applyAdjustment(ctx context.Context, tgt target, adj *sdk.Adjustment) error {
	deployments := c.clientset.AppsV1().Deployments(c.namespace)

	dep, err := deployments.Get(ctx, tgt.Deployment, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to get deployment %q: %v", tgt.Deployment, err)
	}

	container, err := selectContainer(dep.Spec.Template.Spec.Containers, tgt.Container)
	if err != nil {
		return fmt.Errorf("deployment %q: %v", tgt.Deployment, err)
	}

	for name, value := range adj.Settings {
		num, ok := numeric(value)
		if !ok {
			return fmt.Errorf("setting %q of component %q is not numeric", name, adj.Component)
		}

		switch name {
		case settingReplicas:
			if num < 0 || num > maxReplicas {
				return fmt.Errorf("replica count %v is out of bounds", num)
			}
			dep.Spec.Replicas = ptr.Of(int32(num))

		case settingCPU:
			if num <= 0 || num > maxCPUCores {
				return fmt.Errorf("cpu allocation %v is out of bounds", num)
			}
			setResource(container, corev1.ResourceCPU, *cpuQuantity(num))

		case settingMem:
			if num <= 0 || num > maxMemGiB {
				return fmt.Errorf("memory allocation %v is out of bounds", num)
			}
			setResource(container, corev1.ResourceMemory, *memQuantity(num))

		default:
			return fmt.Errorf("unknown setting %q for component %q", name, adj.Component)
		}
	}

	c.logger.Info("adjusting deployment", "deployment", tgt.Deployment,
		"settings", adj.Settings)

	if _, err := deployments.Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update deployment %q: %v", tgt.Deployment, err)
	}
	return nil
}

// numeric widens the JSON and YAML decoder number representations.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func setResource(container *corev1.Container, name corev1.ResourceName, q resource.Quantity) {
	if container.Resources.Limits == nil {
		container.Resources.Limits = corev1.ResourceList{}
	}
	if container.Resources.Requests == nil {
		container.Resources.Requests = corev1.ResourceList{}
	}
	container.Resources.Limits[name] = q
	container.Resources.Requests[name] = q
}

// waitForRollout polls the deployment until the controller reports the new
// generation fully rolled out and available.
func (c *Connector) waitForRollout(ctx context.Context, name string) error {
	err := wait.PollUntilContextCancel(ctx, rolloutPollInterval, true,
		func(ctx context.Context) (bool, error) {
			dep, err := c.clientset.AppsV1().Deployments(c.namespace).
				Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return false, err
			}
			return rolloutComplete(dep), nil
		})

	// Poll wraps cancellation; report the deadline itself so callers can
	// distinguish a timed-out rollout from a rejected one.
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func rolloutComplete(dep *appsv1.Deployment) bool {
	if dep.Status.ObservedGeneration < dep.Generation {
		return false
	}

	want := int32(1)
	if dep.Spec.Replicas != nil {
		want = *dep.Spec.Replicas
	}

	return dep.Status.UpdatedReplicas == want &&
		dep.Status.AvailableReplicas == want &&
		dep.Status.Replicas == want
}
