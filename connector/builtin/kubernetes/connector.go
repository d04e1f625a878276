// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package kubernetes

import (
	"context"
	"fmt"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	hclog "github.com/hashicorp/go-hclog"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/hashicorp/servo-agent/connector"
	"github.com/hashicorp/servo-agent/eventbus"
	"github.com/hashicorp/servo-agent/sdk"
	"github.com/hashicorp/servo-agent/sdk/helper/ptr"
)

const (
	connectorName = "kubernetes"

	configKeyKubeconfig     = "kubeconfig"
	configKeyNamespace      = "namespace"
	configKeyDeployments    = "deployments"
	configKeyRolloutTimeout = "rollout_timeout"

	// settingReplicas, settingCPU and settingMem are the adjustable settings
	// exposed per deployment. CPU is in cores, memory in GiB.
	settingReplicas = "replicas"
	settingCPU      = "cpu"
	settingMem      = "mem"

	defaultRolloutTimeout = 5 * time.Minute
)

// Setting bounds offered to the optimizer. The application cannot be scaled
// or sized beyond these regardless of what the optimizer proposes.
const (
	maxReplicas = 100
	maxCPUCores = 8
	maxMemGiB   = 32
)

// target is one deployment under optimization. Container selects which
// container's resources are adjusted; empty selects the first.
type target struct {
	Deployment string
	Container  string
}

var Descriptor = &connector.Descriptor{
	Name:    connectorName,
	Version: "1.0.0",
	Capabilities: []sdk.OperationKind{
		sdk.OperationCheck,
		sdk.OperationDescribe,
		sdk.OperationAdjust,
	},
	ConfigSchema: configSchema(),
}

func configSchema() *openapi3.Schema {
	deployment := openapi3.NewObjectSchema().
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("container", openapi3.NewStringSchema())
	deployment.Required = []string{"name"}
	deployment.AdditionalProperties = openapi3.AdditionalProperties{Has: ptr.Of(false)}

	deploymentList := openapi3.NewArraySchema()
	deploymentList.Items = openapi3.NewSchemaRef("", deployment)

	s := openapi3.NewObjectSchema().
		WithProperty(configKeyKubeconfig, openapi3.NewStringSchema()).
		WithProperty(configKeyNamespace, openapi3.NewStringSchema()).
		WithProperty(configKeyDeployments, deploymentList).
		WithProperty(configKeyRolloutTimeout, openapi3.NewStringSchema())
	s.Required = []string{configKeyNamespace, configKeyDeployments}
	s.AdditionalProperties = openapi3.AdditionalProperties{Has: ptr.Of(false)}
	return s
}

// Connector adjusts Kubernetes deployments, treating each configured
// deployment as one component with replica count and container resource
// settings. An adjust does not report success until the rollout has
// converged or its deadline elapsed.
type Connector struct {
	logger hclog.Logger
	bus    *eventbus.Bus

	clientset      kubernetes.Interface
	namespace      string
	targets        []target
	rolloutTimeout time.Duration
}

// New returns a Kubernetes connector. The clientset is built lazily from
// SetConfig.
func New(log hclog.Logger, bus *eventbus.Bus) connector.Connector {
	return &Connector{
		logger: log,
		bus:    bus,
	}
}

func (c *Connector) Descriptor() *connector.Descriptor { return Descriptor }

func (c *Connector) SetConfig(config map[string]any) error {
	namespace, _ := config[configKeyNamespace].(string)
	if namespace == "" {
		return fmt.Errorf("%q config value cannot be empty", configKeyNamespace)
	}

	targets, err := decodeTargets(config)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("%q config value must name at least one deployment", configKeyDeployments)
	}

	rolloutTimeout := defaultRolloutTimeout
	if raw, _ := config[configKeyRolloutTimeout].(string); raw != "" {
		rolloutTimeout, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("failed to parse %q config value: %v", configKeyRolloutTimeout, err)
		}
	}

	// The clientset is injectable for testing with a fake.
	if c.clientset == nil {
		clientset, err := buildClientset(config)
		if err != nil {
			return err
		}
		c.clientset = clientset
	}

	c.namespace = namespace
	c.targets = targets
	c.rolloutTimeout = rolloutTimeout

	return nil
}

func (c *Connector) Close() error { return nil }

// buildClientset constructs the Kubernetes client from an explicit
// kubeconfig path, falling back to in-cluster configuration, which is the
// normal arrangement when the agent runs as a sidecar.
func buildClientset(config map[string]any) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)

	if kubeconfig, _ := config[configKeyKubeconfig].(string); kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load Kubernetes configuration: %v", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Kubernetes client: %v", err)
	}
	return clientset, nil
}

func decodeTargets(config map[string]any) ([]target, error) {
	raw, ok := config[configKeyDeployments].([]any)
	if !ok {
		return nil, nil
	}

	targets := make([]target, 0, len(raw))
	for i, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not an object", configKeyDeployments, i)
		}

		t := target{}
		t.Deployment, _ = obj["name"].(string)
		t.Container, _ = obj["container"].(string)
		if t.Deployment == "" {
			return nil, fmt.Errorf("%s[%d] must set name", configKeyDeployments, i)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Check verifies API reachability and that every configured deployment
// exists in the namespace.
func (c *Connector) Check(ctx context.Context) ([]*sdk.Check, error) {
	checks := []*sdk.NamedCheck{
		{
			Check: sdk.Check{
				ID:       "kubernetes:namespace",
				Name:     fmt.Sprintf("namespace %q is accessible", c.namespace),
				Required: true,
			},
			Run: func(ctx context.Context) error {
				_, err := c.clientset.AppsV1().Deployments(c.namespace).
					List(ctx, metav1.ListOptions{Limit: 1})
				return err
			},
		},
	}

	for _, tgt := range c.targets {
		tgt := tgt
		checks = append(checks, &sdk.NamedCheck{
			Check: sdk.Check{
				ID:   fmt.Sprintf("kubernetes:deployment:%s", tgt.Deployment),
				Name: fmt.Sprintf("deployment %q exists", tgt.Deployment),
			},
			Run: func(ctx context.Context) error {
				_, err := c.clientset.AppsV1().Deployments(c.namespace).
					Get(ctx, tgt.Deployment, metav1.GetOptions{})
				return err
			},
		})
	}

	return sdk.RunChecks(ctx, checks), nil
}

// Describe reports one component per configured deployment with its live
// replica count and container resource allocations.
func (c *Connector) Describe(ctx context.Context) (*sdk.Description, error) {
	desc := &sdk.Description{}

	for _, tgt := range c.targets {
		dep, err := c.clientset.AppsV1().Deployments(c.namespace).
			Get(ctx, tgt.Deployment, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to get deployment %q: %v", tgt.Deployment, err)
		}

		container, err := selectContainer(dep.Spec.Template.Spec.Containers, tgt.Container)
		if err != nil {
			return nil, fmt.Errorf("deployment %q: %v", tgt.Deployment, err)
		}

		replicas := int32(1)
		if dep.Spec.Replicas != nil {
			replicas = *dep.Spec.Replicas
		}

		desc.Components = append(desc.Components, &sdk.Component{
			Name: tgt.Deployment,
			Settings: []*sdk.Setting{
				{
					Name:  settingReplicas,
					Type:  sdk.SettingTypeRange,
					Value: replicas,
					Min:   1,
					Max:   maxReplicas,
					Step:  1,
				},
				{
					Name:  settingCPU,
					Type:  sdk.SettingTypeRange,
					Value: cpuCores(container.Resources),
					Min:   0.1,
					Max:   maxCPUCores,
					Step:  0.1,
					Unit:  "cores",
				},
				{
					Name:  settingMem,
					Type:  sdk.SettingTypeRange,
					Value: memGiB(container.Resources),
					Min:   0.25,
					Max:   maxMemGiB,
					Step:  0.25,
					Unit:  "GiB",
				},
			},
		})
	}

	return desc, nil
}

func selectContainer(containers []corev1.Container, name string) (*corev1.Container, error) {
	if len(containers) == 0 {
		return nil, fmt.Errorf("pod template has no containers")
	}
	if name == "" {
		return &containers[0], nil
	}
	for i := range containers {
		if containers[i].Name == name {
			return &containers[i], nil
		}
	}
	return nil, fmt.Errorf("container %q not found", name)
}

func cpuCores(res corev1.ResourceRequirements) float64 {
	if q, ok := res.Limits[corev1.ResourceCPU]; ok {
		return float64(q.MilliValue()) / 1000
	}
	if q, ok := res.Requests[corev1.ResourceCPU]; ok {
		return float64(q.MilliValue()) / 1000
	}
	return 0
}

func memGiB(res corev1.ResourceRequirements) float64 {
	const gib = 1 << 30
	if q, ok := res.Limits[corev1.ResourceMemory]; ok {
		return float64(q.Value()) / gib
	}
	if q, ok := res.Requests[corev1.ResourceMemory]; ok {
		return float64(q.Value()) / gib
	}
	return 0
}

func cpuQuantity(cores float64) *resource.Quantity {
	return resource.NewMilliQuantity(int64(cores*1000), resource.DecimalSI)
}

func memQuantity(gib float64) *resource.Quantity {
	return resource.NewQuantity(int64(gib*float64(1<<30)), resource.BinarySI)
}
