package kubernetes

import (
	"context"
	"errors"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/hashicorp/servo-agent/sdk"
	"github.com/hashicorp/servo-agent/sdk/helper/ptr"
)

func testDeployment(name string, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:       name,
			Namespace:  "default",
			Generation: 1,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.Of(replicas),
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name: "app",
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("500m"),
								corev1.ResourceMemory: resource.MustParse("1Gi"),
							},
						},
					}},
				},
			},
		},
		Status: appsv1.DeploymentStatus{
			ObservedGeneration: 1,
			Replicas:           replicas,
			UpdatedReplicas:    replicas,
			AvailableReplicas:  replicas,
		},
	}
}

func testConnector(t *testing.T, deployments ...*appsv1.Deployment) *Connector {
	t.Helper()

	c := &Connector{logger: hclog.NewNullLogger()}
	clientset := fake.NewClientset()
	for _, dep := range deployments {
		_, err := clientset.AppsV1().Deployments(dep.Namespace).
			Create(context.Background(), dep, metav1.CreateOptions{})
		require.NoError(t, err)
	}
	c.clientset = clientset

	require.NoError(t, c.SetConfig(map[string]any{
		configKeyNamespace: "default",
		configKeyDeployments: []any{
			map[string]any{"name": "web"},
		},
		configKeyRolloutTimeout: "500ms",
	}))
	return c
}

func TestConnector_SetConfig(t *testing.T) {
	testCases := []struct {
		name        string
		inputConfig map[string]any
		expectErr   string
	}{
		{
			name:        "no required config parameters set",
			inputConfig: map[string]any{},
			expectErr:   `"namespace" config value cannot be empty`,
		},
		{
			name: "namespace set but no deployments",
			inputConfig: map[string]any{
				configKeyNamespace: "default",
			},
			expectErr: "must name at least one deployment",
		},
		{
			name: "deployment entry without name",
			inputConfig: map[string]any{
				configKeyNamespace:   "default",
				configKeyDeployments: []any{map[string]any{"container": "app"}},
			},
			expectErr: "must set name",
		},
		{
			name: "malformed rollout timeout",
			inputConfig: map[string]any{
				configKeyNamespace:      "default",
				configKeyDeployments:    []any{map[string]any{"name": "web"}},
				configKeyRolloutTimeout: "soon",
			},
			expectErr: `failed to parse "rollout_timeout" config value`,
		},
		{
			name: "valid configuration",
			inputConfig: map[string]any{
				configKeyNamespace:   "default",
				configKeyDeployments: []any{map[string]any{"name": "web", "container": "app"}},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Connector{
				logger:    hclog.NewNullLogger(),
				clientset: fake.NewClientset(),
			}

			err := c.SetConfig(tc.inputConfig)
			if tc.expectErr != "" {
				require.ErrorContains(t, err, tc.expectErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "default", c.namespace)
			assert.Equal(t, defaultRolloutTimeout, c.rolloutTimeout)
			require.Len(t, c.targets, 1)
			assert.Equal(t, "app", c.targets[0].Container)
		})
	}
}

func TestConnector_Describe(t *testing.T) {
	c := testConnector(t, testDeployment("web", 2))

	desc, err := c.Describe(context.Background())
	require.NoError(t, err)
	require.Len(t, desc.Components, 1)

	comp := desc.Components[0]
	assert.Equal(t, "web", comp.Name)
	require.Len(t, comp.Settings, 3)

	settings := map[string]*sdk.Setting{}
	for _, s := range comp.Settings {
		settings[s.Name] = s
	}

	assert.EqualValues(t, int32(2), settings[settingReplicas].Value)
	assert.Equal(t, 0.5, settings[settingCPU].Value)
	assert.Equal(t, 1.0, settings[settingMem].Value)
}

func TestConnector_Adjust(t *testing.T) {
	dep := testDeployment("web", 3)
	c := testConnector(t, dep)

	outcome, err := c.Adjust(context.Background(), []*sdk.Adjustment{{
		Component: "web",
		Settings: map[string]any{
			settingReplicas: float64(3),
			settingCPU:      1.5,
		},
	}})
	require.NoError(t, err)

	require.Len(t, outcome.Applied, 1)
	assert.NotEmpty(t, outcome.ConvergedIn)

	updated, err := c.clientset.AppsV1().Deployments("default").
		Get(context.Background(), "web", metav1.GetOptions{})
	require.NoError(t, err)

	assert.EqualValues(t, int32(3), *updated.Spec.Replicas)

	cpu := updated.Spec.Template.Spec.Containers[0].Resources.Limits[corev1.ResourceCPU]
	assert.EqualValues(t, 1500, cpu.MilliValue())

	// Requests follow limits so the scheduler sees the new allocation.
	cpuReq := updated.Spec.Template.Spec.Containers[0].Resources.Requests[corev1.ResourceCPU]
	assert.EqualValues(t, 1500, cpuReq.MilliValue())
}

func TestConnector_Adjust_timeoutWhileConverging(t *testing.T) {
	// The status never catches up with the new replica count, so the
	// rollout wait must end at the deadline.
	dep := testDeployment("web", 2)
	c := testConnector(t, dep)

	start := time.Now()
	_, err := c.Adjust(context.Background(), []*sdk.Adjustment{{
		Component: "web",
		Settings:  map[string]any{settingReplicas: float64(5)},
	}})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnector_Adjust_rejectsUnknownComponent(t *testing.T) {
	c := testConnector(t, testDeployment("web", 2))

	_, err := c.Adjust(context.Background(), []*sdk.Adjustment{{
		Component: "db",
		Settings:  map[string]any{settingReplicas: float64(2)},
	}})
	require.ErrorContains(t, err, "not a configured deployment")
}

func TestConnector_Adjust_rejectsOutOfBounds(t *testing.T) {
	c := testConnector(t, testDeployment("web", 2))

	_, err := c.Adjust(context.Background(), []*sdk.Adjustment{{
		Component: "web",
		Settings:  map[string]any{settingCPU: float64(64)},
	}})
	require.ErrorContains(t, err, "out of bounds")
}

func TestConnector_Check(t *testing.T) {
	c := testConnector(t, testDeployment("web", 2))

	checks, err := c.Check(context.Background())
	require.NoError(t, err)

	require.Len(t, checks, 2)
	assert.True(t, checks[0].Success)
	assert.Equal(t, "kubernetes:deployment:web", checks[1].ID)
	assert.True(t, checks[1].Success)
}

func TestConnector_Check_missingDeployment(t *testing.T) {
	c := testConnector(t)

	checks, err := c.Check(context.Background())
	require.NoError(t, err)

	require.Len(t, checks, 2)
	assert.True(t, checks[0].Success)
	assert.False(t, checks[1].Success)
}
