package monitor

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
)

// MetricsCPUSampler reads pod CPU usage from the metrics.k8s.io API,
// served by metrics-server in most clusters.
type MetricsCPUSampler struct {
	metrics metricsclient.Interface
}

// NewMetricsCPUSampler builds a sampler from the operator's rest config.
func NewMetricsCPUSampler(restConfig *rest.Config) (*MetricsCPUSampler, error) {
	clientset, err := metricsclient.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("building metrics clientset: %w", err)
	}
	return &MetricsCPUSampler{metrics: clientset}, nil
}

// PodCPUMillis sums the CPU usage of all containers in the pod.
func (s *MetricsCPUSampler) PodCPUMillis(ctx context.Context, pod *corev1.Pod) (int64, error) {
	podMetrics, err := s.metrics.MetricsV1beta1().
		PodMetricses(pod.Namespace).
		Get(ctx, pod.Name, metav1.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("fetching metrics for pod %s/%s: %w", pod.Namespace, pod.Name, err)
	}
	var total int64
	for i := range podMetrics.Containers {
		total += podMetrics.Containers[i].Usage.Cpu().MilliValue()
	}
	return total, nil
}
