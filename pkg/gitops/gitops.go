// Package gitops drives Argo CD: one Application per tenant
// environment, deploying the tenant's Helm chart into its namespace.
// The image an environment runs is set through the Application's
// Helm parameters, so promoting is a patch to the Application and
// Argo CD does the rest.
package gitops

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/argoproj/argo-cd/engine/pkg/apis/application/v1alpha1"
	appclientset "github.com/argoproj/argo-cd/engine/pkg/client/clientset/versioned"
	"github.com/docker/distribution/reference"
	jsonpatch "github.com/evanphx/json-patch"
	"github.com/go-kit/kit/log"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta_v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/openluffy/luffy/pkg/cluster"
	"github.com/openluffy/luffy/pkg/cluster/kubernetes"
	luffyerr "github.com/openluffy/luffy/pkg/errors"
)

const (
	system = "argocd"

	// With this finalizer on an Application, Argo CD deletes the
	// resources it deployed before the Application itself goes.
	CascadeFinalizer = "resources-finalizer.argocd.argoproj.io"

	ParamImageRepository = "image.repository"
	ParamImageTag        = "image.tag"
	// ParamReplicaCount overrides the replica count the values file
	// gives; it is only set while a tenant is suspended.
	ParamReplicaCount = "replicaCount"

	DefaultDestinationServer = "https://kubernetes.default.svc"
)

type Config struct {
	// Namespace is where Argo CD looks for Applications.
	Namespace         string
	Project           string
	DestinationServer string
}

// AppSpec is what a tenant environment's Application should say.
type AppSpec struct {
	Name      string
	Namespace string
	RepoURL   string
	Path      string
	Revision  string
	ValueFile string
	Labels    map[string]string
}

// AppStatus is what Argo CD reports about an Application.
type AppStatus struct {
	Name           string `json:"name"`
	Sync           string `json:"sync"`
	Health         string `json:"health"`
	Revision       string `json:"revision,omitempty"`
	OperationPhase string `json:"operation_phase,omitempty"`
	Message        string `json:"message,omitempty"`
	// TargetImage is the image the Application has been told to
	// deploy, if set by parameter.
	TargetImage string `json:"target_image,omitempty"`
}

// SyncFailed says whether Argo CD gave up trying to apply the
// Application's current target.
func (s AppStatus) SyncFailed() bool {
	return s.OperationPhase == "Failed" || s.OperationPhase == "Error"
}

func (s AppStatus) Healthy() bool {
	return s.Sync == "Synced" && s.Health == "Healthy"
}

type Controller struct {
	client appclientset.Interface
	// poll is used for reads; it may have a shorter timeout.
	poll   appclientset.Interface
	config Config
	logger log.Logger
}

func NewController(client appclientset.Interface, config Config, logger log.Logger) *Controller {
	if config.Project == "" {
		config.Project = "default"
	}
	if config.DestinationServer == "" {
		config.DestinationServer = DefaultDestinationServer
	}
	return &Controller{client: client, poll: client, config: config, logger: logger}
}

// WithPollClient makes Status read through poll, so that it can be
// given a shorter timeout than calls that change things.
func (c *Controller) WithPollClient(poll appclientset.Interface) *Controller {
	c.poll = poll
	return c
}

func (c *Controller) apps() appsInterface {
	return c.client.ArgoprojV1alpha1().Applications(c.config.Namespace)
}

func (c *Controller) readApps() appsInterface {
	return c.poll.ArgoprojV1alpha1().Applications(c.config.Namespace)
}

// the subset of the typed Applications client we use
type appsInterface interface {
	Get(name string, options meta_v1.GetOptions) (*v1alpha1.Application, error)
	Create(*v1alpha1.Application) (*v1alpha1.Application, error)
	Update(*v1alpha1.Application) (*v1alpha1.Application, error)
	Delete(name string, options *meta_v1.DeleteOptions) error
	Patch(name string, pt types.PatchType, data []byte, subresources ...string) (*v1alpha1.Application, error)
}

// EnsureApplication creates the Application if there is none by that
// name. An existing Application is left as it is, so re-running
// provisioning does not reset an image that has since been promoted.
func (c *Controller) EnsureApplication(ctx context.Context, spec AppSpec) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := c.apps().Get(spec.Name, meta_v1.GetOptions{})
	switch {
	case err == nil:
		return false, nil
	case !apierrors.IsNotFound(err):
		return false, kubernetes.Classify(system, "application "+spec.Name, err)
	}

	labels := map[string]string{cluster.LabelManagedBy: cluster.ManagedByValue}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	app := &v1alpha1.Application{
		ObjectMeta: meta_v1.ObjectMeta{
			Name:       spec.Name,
			Namespace:  c.config.Namespace,
			Labels:     labels,
			Finalizers: []string{CascadeFinalizer},
		},
		Spec: v1alpha1.ApplicationSpec{
			Source: v1alpha1.ApplicationSource{
				RepoURL:        spec.RepoURL,
				Path:           spec.Path,
				TargetRevision: spec.Revision,
				Helm: &v1alpha1.ApplicationSourceHelm{
					ValueFiles: []string{spec.ValueFile},
				},
			},
			Destination: v1alpha1.ApplicationDestination{
				Server:    c.config.DestinationServer,
				Namespace: spec.Namespace,
			},
			SyncPolicy: &v1alpha1.SyncPolicy{
				Automated: &v1alpha1.SyncPolicyAutomated{
					Prune:    true,
					SelfHeal: true,
				},
			},
			Project: c.config.Project,
		},
	}
	if _, err := c.apps().Create(app); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return false, nil
		}
		return false, kubernetes.Classify(system, "application "+spec.Name, err)
	}
	c.logger.Log("application", spec.Name, "action", "created")
	return true, nil
}

// Status reports the Application's sync and health.
func (c *Controller) Status(ctx context.Context, name string) (AppStatus, error) {
	if err := ctx.Err(); err != nil {
		return AppStatus{}, err
	}
	app, err := c.readApps().Get(name, meta_v1.GetOptions{})
	if err != nil {
		return AppStatus{}, kubernetes.Classify(system, "application "+name, err)
	}
	st := AppStatus{
		Name:        name,
		Sync:        string(app.Status.Sync.Status),
		Health:      string(app.Status.Health.Status),
		Revision:    app.Status.Sync.Revision,
		Message:     app.Status.Health.Message,
		TargetImage: targetImage(app),
	}
	if op := app.Status.OperationState; op != nil {
		st.OperationPhase = string(op.Phase)
		if op.Message != "" {
			st.Message = op.Message
		}
	}
	for _, cond := range app.Status.Conditions {
		if cond.Type == "SyncError" || cond.Type == "ComparisonError" {
			st.Message = cond.Message
		}
	}
	return st, nil
}

func targetImage(app *v1alpha1.Application) string {
	helm := app.Spec.Source.Helm
	if helm == nil {
		return ""
	}
	repo, tag := param(helm, ParamImageRepository), param(helm, ParamImageTag)
	if repo == "" || tag == "" {
		return ""
	}
	return repo + ":" + tag
}

// SplitImage breaks an image reference into the repository and tag
// the chart takes, spelled as given, so that "repository:tag" is the
// reference again. A digest stays with the tag. The reference must
// have a tag.
func SplitImage(image string) (string, string, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", "", luffyerr.Validationf("invalid image %q: %s", image, err)
	}
	if _, ok := named.(reference.Tagged); !ok {
		return "", "", luffyerr.Validationf("image %q has no tag to deploy", image)
	}
	name, digest := image, ""
	if i := strings.LastIndex(name, "@"); i >= 0 {
		name, digest = name[:i], name[i:]
	}
	// the tag follows the last colon after the last slash; a colon
	// before that is a registry port
	i := strings.LastIndex(name, ":")
	if i < 0 || strings.Contains(name[i:], "/") {
		return "", "", luffyerr.Validationf("image %q has no tag to deploy", image)
	}
	return name[:i], name[i+1:] + digest, nil
}

// SameImage says whether two image references name the same image,
// however they are spelled: "nginx:1.19" and
// "docker.io/library/nginx:1.19" are the same. References that do not
// parse are compared as they are.
func SameImage(a, b string) bool {
	if a == b {
		return true
	}
	if a == "" || b == "" {
		return false
	}
	na, err := reference.ParseNormalizedNamed(a)
	if err != nil {
		return false
	}
	nb, err := reference.ParseNormalizedNamed(b)
	if err != nil {
		return false
	}
	return na.String() == nb.String()
}

// SetImage points the Application at image, with a merge patch of
// its Helm parameters. It reports whether anything changed.
func (c *Controller) SetImage(ctx context.Context, name, image string) (bool, error) {
	repo, tag, err := SplitImage(image)
	if err != nil {
		return false, err
	}
	changed, err := c.patchHelm(ctx, name, func(app *v1alpha1.Application) bool {
		if SameImage(targetImage(app), image) {
			return false
		}
		setParam(app.Spec.Source.Helm, ParamImageRepository, repo)
		setParam(app.Spec.Source.Helm, ParamImageTag, tag)
		return true
	})
	if changed {
		c.logger.Log("application", name, "action", "set-image", "image", image)
	}
	return changed, err
}

// SetReplicas overrides the replica count of the Application's chart.
// A nil count removes the override, so the values file applies again.
// Argo CD keeps the cluster at whatever is set here, so it holds
// through self-healing syncs.
func (c *Controller) SetReplicas(ctx context.Context, name string, replicas *int) (bool, error) {
	changed, err := c.patchHelm(ctx, name, func(app *v1alpha1.Application) bool {
		if replicas == nil {
			return unsetParam(app.Spec.Source.Helm, ParamReplicaCount)
		}
		value := fmt.Sprint(*replicas)
		if param(app.Spec.Source.Helm, ParamReplicaCount) == value {
			return false
		}
		setParam(app.Spec.Source.Helm, ParamReplicaCount, value)
		return true
	})
	if changed && replicas != nil {
		c.logger.Log("application", name, "action", "set-replicas", "replicas", *replicas)
	} else if changed {
		c.logger.Log("application", name, "action", "unset-replicas")
	}
	return changed, err
}

// patchHelm applies change to the Application's Helm source, sending
// the difference as a merge patch. change reports whether it did
// anything; if not, nothing is sent.
func (c *Controller) patchHelm(ctx context.Context, name string, change func(*v1alpha1.Application) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	app, err := c.apps().Get(name, meta_v1.GetOptions{})
	if err != nil {
		return false, kubernetes.Classify(system, "application "+name, err)
	}

	orig, err := json.Marshal(app)
	if err != nil {
		return false, err
	}
	modified := app.DeepCopy()
	if modified.Spec.Source.Helm == nil {
		modified.Spec.Source.Helm = &v1alpha1.ApplicationSourceHelm{}
	}
	if !change(modified) {
		return false, nil
	}
	mod, err := json.Marshal(modified)
	if err != nil {
		return false, err
	}
	patch, err := jsonpatch.CreateMergePatch(orig, mod)
	if err != nil {
		return false, fmt.Errorf("creating patch for application %s: %s", name, err)
	}
	if _, err := c.apps().Patch(name, types.MergePatchType, patch); err != nil {
		return false, kubernetes.Classify(system, "application "+name, err)
	}
	return true, nil
}

func param(helm *v1alpha1.ApplicationSourceHelm, name string) string {
	if helm == nil {
		return ""
	}
	for _, p := range helm.Parameters {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

func unsetParam(helm *v1alpha1.ApplicationSourceHelm, name string) bool {
	for i := range helm.Parameters {
		if helm.Parameters[i].Name == name {
			helm.Parameters = append(helm.Parameters[:i], helm.Parameters[i+1:]...)
			return true
		}
	}
	return false
}

func setParam(helm *v1alpha1.ApplicationSourceHelm, name, value string) {
	for i := range helm.Parameters {
		if helm.Parameters[i].Name == name {
			helm.Parameters[i].Value = value
			return
		}
	}
	helm.Parameters = append(helm.Parameters, v1alpha1.HelmParameter{Name: name, Value: value})
}

// DeleteApplication deletes the Application and, through the cascade
// finalizer, everything it deployed.
func (c *Controller) DeleteApplication(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	app, err := c.apps().Get(name, meta_v1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, kubernetes.Classify(system, "application "+name, err)
	}
	if !hasFinalizer(app) {
		app.Finalizers = append(app.Finalizers, CascadeFinalizer)
		if _, err := c.apps().Update(app); err != nil {
			return false, kubernetes.Classify(system, "application "+name, err)
		}
	}
	if err := c.apps().Delete(name, &meta_v1.DeleteOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, kubernetes.Classify(system, "application "+name, err)
	}
	c.logger.Log("application", name, "action", "deleted")
	return true, nil
}

func hasFinalizer(app *v1alpha1.Application) bool {
	for _, f := range app.Finalizers {
		if f == CascadeFinalizer {
			return true
		}
	}
	return false
}
