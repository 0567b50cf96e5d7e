package inventory

import (
	"context"
	"fmt"

	"docktor/internal/pkg/scanner"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
)

// Kubernetes inventories the containers and init containers of pods in a Kubernetes cluster.
type Kubernetes struct {
	client kubernetes.Interface
	opts   Options
}

// NewKubernetes configures a kubernetes client using an in-cluster config, or an external kubeconfig file.
func NewKubernetes(kubeConfigPath string, opts Options) (*Kubernetes, error) {
	kubeConfig, err := rest.InClusterConfig()
	if err == rest.ErrNotInCluster {
		kubeConfig, err = clientcmd.BuildConfigFromFlags("", kubeConfigPath)
	}
	if err != nil {
		return nil, unreachable("loading kubernetes config", err)
	}
	kubeClient, err := kubernetes.NewForConfig(kubeConfig)
	if err != nil {
		return nil, unreachable("creating kubernetes client", err)
	}
	return &Kubernetes{client: kubeClient, opts: opts}, nil
}

// Containers returns one entry per container of every pod in the configured namespaces. Containers are named
// namespace/pod/container and carry the pod's annotations and labels.
func (k *Kubernetes) Containers(ctx context.Context) ([]scanner.Container, error) {
	var containers []scanner.Container
	for _, namespace := range k.namespaces() {
		podList, err := k.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, unreachable(fmt.Sprintf("listing pods in namespace %q", namespace), err)
		}
		for _, pod := range podList.Items {
			if k.opts.OnlyRunning && pod.Status.Phase != corev1.PodRunning {
				continue
			}
			labels := podLabels(pod)
			specs := append(append([]corev1.Container{}, pod.Spec.Containers...), pod.Spec.InitContainers...)
			for _, c := range specs {
				containers = append(containers, scanner.Container{
					Name:           fmt.Sprintf("%s/%s/%s", pod.Namespace, pod.Name, c.Name),
					ImageReference: c.Image,
					Labels:         labels,
				})
			}
		}
	}
	klog.Infof("Found %d kubernetes containers", len(containers))
	return containers, nil
}

func (k *Kubernetes) namespaces() []string {
	if k.opts.Scope == ScopeNamespace {
		if k.opts.SelfNamespace != "" {
			klog.Infof("Restricting scan to namespace %s", k.opts.SelfNamespace)
			return []string{k.opts.SelfNamespace}
		}
		klog.Warning("SCAN_SCOPE=NAMESPACE set but own namespace is unknown; scanning configured namespaces instead.")
	}
	if len(k.opts.Namespaces) == 0 {
		// The empty string is used to list pods from all namespaces
		return []string{""}
	}
	return k.opts.Namespaces
}

// podLabels merges annotations and labels; labels win on conflict.
func podLabels(pod corev1.Pod) map[string]string {
	labels := make(map[string]string, len(pod.Annotations)+len(pod.Labels))
	for k, v := range pod.Annotations {
		labels[k] = v
	}
	for k, v := range pod.Labels {
		labels[k] = v
	}
	return labels
}
