package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// K8sSpawner runs each agent as a Kubernetes Job. The task's working
// directory is an EmptyDir; the agent is expected to clone what it needs
// from the entry's git remote.
type K8sSpawner struct {
	Client     kubernetes.Interface
	Namespace  string
	Image      string
	PullPolicy corev1.PullPolicy
	Logger     *slog.Logger
}

// NewK8sSpawner builds a spawner from in-cluster config, falling back to
// ~/.kube/config.
func NewK8sSpawner(logger *slog.Logger, image, namespace string, pullPolicy corev1.PullPolicy) (*K8sSpawner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			if home := homedir.HomeDir(); home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("create k8s client: %w", err)
	}

	if namespace == "" {
		namespace = "default"
		if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
			namespace = strings.TrimSpace(string(data))
		}
	}

	return &K8sSpawner{
		Client:     clientset,
		Namespace:  namespace,
		Image:      image,
		PullPolicy: pullPolicy,
		Logger:     logger,
	}, nil
}

func (s *K8sSpawner) Spawn(ctx context.Context, spec SpawnSpec, sink LineSink) (Process, error) {
	if s.Image == "" {
		return nil, fmt.Errorf("spawn %s: no sandbox image configured", spec.TaskID)
	}

	jobName := fmt.Sprintf("brain-agent-%s", sanitizeK8sName(spec.TaskID))
	s.Logger.Info("spawning agent job", "task", spec.TaskID, "job", jobName, "namespace", s.Namespace)

	if existing, err := s.Client.BatchV1().Jobs(s.Namespace).Get(ctx, jobName, metav1.GetOptions{}); err == nil {
		if existing.Status.Active > 0 {
			return nil, fmt.Errorf("spawn %s: %w", spec.TaskID, ErrAlreadyRunning)
		}
		// A finished job from an earlier run shadows the name; remove it.
		delPolicy := metav1.DeletePropagationBackground
		if err := s.Client.BatchV1().Jobs(s.Namespace).Delete(ctx, jobName, metav1.DeleteOptions{PropagationPolicy: &delPolicy}); err != nil {
			return nil, fmt.Errorf("spawn %s: delete stale job: %w", spec.TaskID, err)
		}
		if err := s.awaitJobGone(ctx, jobName); err != nil {
			return nil, fmt.Errorf("spawn %s: %w", spec.TaskID, err)
		}
	}

	args := []string{spec.Path}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}

	envVars := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, kv := range spec.Env {
		name, value, _ := strings.Cut(kv, "=")
		envVars = append(envVars, corev1.EnvVar{Name: name, Value: value})
	}

	secretName := os.Getenv("BRAIN_AGENT_SECRET_NAME")
	if secretName == "" {
		secretName = "brain-agent-secrets"
	}
	envFrom := []corev1.EnvFromSource{
		{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: secretName},
				Optional:             boolPtr(true),
			},
		},
	}

	ttl := int32(3600)
	backoff := int32(0)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name: jobName,
			Labels: map[string]string{
				"app":     "brain-agent",
				"task":    sanitizeK8sName(spec.TaskID),
				"project": sanitizeK8sName(spec.Project),
			},
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			BackoffLimit:            &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app":  "brain-agent",
						"task": sanitizeK8sName(spec.TaskID),
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					EnableServiceLinks: boolPtr(false),
					Containers: []corev1.Container{
						{
							Name:            "agent",
							Image:           s.Image,
							ImagePullPolicy: s.PullPolicy,
							Command:         []string{spec.Agent},
							Args:            args,
							Env:             envVars,
							EnvFrom:         envFrom,
							WorkingDir:      "/workspace",
							VolumeMounts: []corev1.VolumeMount{
								{Name: "workspace", MountPath: "/workspace"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "workspace",
							VolumeSource: corev1.VolumeSource{
								EmptyDir: &corev1.EmptyDirVolumeSource{},
							},
						},
					},
				},
			},
		},
	}

	if _, err := s.Client.BatchV1().Jobs(s.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("spawn %s: create job: %w", spec.TaskID, err)
	}

	p := &k8sProcess{
		client:    s.Client,
		namespace: s.Namespace,
		jobName:   jobName,
		logger:    s.Logger,
	}
	p.pumps.Add(1)
	go p.streamPodLogs(sink)
	return p, nil
}

func (s *K8sSpawner) awaitJobGone(ctx context.Context, jobName string) error {
	for i := 0; i < 30; i++ {
		_, err := s.Client.BatchV1().Jobs(s.Namespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("stale job %s not deleted in time", jobName)
}

type k8sProcess struct {
	client    kubernetes.Interface
	namespace string
	jobName   string
	logger    *slog.Logger
	pumps     sync.WaitGroup
}

func (p *k8sProcess) PID() int { return 0 }

// Terminate deletes the job; Kubernetes has no soft-signal API for jobs,
// so soft and hard cancellation collapse into deletion.
func (p *k8sProcess) Terminate() error {
	delPolicy := metav1.DeletePropagationBackground
	return p.client.BatchV1().Jobs(p.namespace).Delete(context.Background(),
		p.jobName, metav1.DeleteOptions{PropagationPolicy: &delPolicy})
}

func (p *k8sProcess) Kill() error {
	delPolicy := metav1.DeletePropagationForeground
	err := p.client.BatchV1().Jobs(p.namespace).Delete(context.Background(),
		p.jobName, metav1.DeleteOptions{PropagationPolicy: &delPolicy})
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

func (p *k8sProcess) Wait() (int, error) {
	ctx := context.Background()
	for {
		job, err := p.client.BatchV1().Jobs(p.namespace).Get(ctx, p.jobName, metav1.GetOptions{})
		if err != nil {
			if strings.Contains(err.Error(), "not found") {
				// Deleted while running: treat as killed.
				p.pumps.Wait()
				return 137, nil
			}
			return -1, fmt.Errorf("poll job %s: %w", p.jobName, err)
		}

		switch {
		case job.Status.Succeeded > 0:
			p.pumps.Wait()
			return 0, nil
		case job.Status.Failed > 0:
			p.pumps.Wait()
			return p.podExitCode(ctx), nil
		}
		time.Sleep(2 * time.Second)
	}
}

// podExitCode recovers the container exit code from the failed pod.
func (p *k8sProcess) podExitCode(ctx context.Context) int {
	pods, err := p.client.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + p.jobName,
	})
	if err != nil || len(pods.Items) == 0 {
		return 1
	}
	for _, pod := range pods.Items {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Terminated != nil && cs.State.Terminated.ExitCode != 0 {
				return int(cs.State.Terminated.ExitCode)
			}
		}
	}
	return 1
}

// streamPodLogs waits for the job's pod to start, then follows its logs.
// The kubelet merges stdout and stderr, so everything frames as stdout.
func (p *k8sProcess) streamPodLogs(sink LineSink) {
	defer p.pumps.Done()
	ctx := context.Background()

	var podName string
	for i := 0; i < 150; i++ {
		pods, err := p.client.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "job-name=" + p.jobName,
		})
		if err == nil && len(pods.Items) > 0 {
			pod := pods.Items[0]
			if pod.Status.Phase != corev1.PodPending {
				podName = pod.Name
				break
			}
		}
		time.Sleep(2 * time.Second)
	}
	if podName == "" {
		p.logger.Warn("no pod appeared for job", "job", p.jobName)
		return
	}

	req := p.client.CoreV1().Pods(p.namespace).GetLogs(podName, &corev1.PodLogOptions{Follow: true})
	stream, err := req.Stream(ctx)
	if err != nil {
		p.logger.Warn("cannot stream pod logs", "pod", podName, "error", err)
		return
	}
	defer stream.Close()
	scanLines(stream, "stdout", sink)
}

func boolPtr(b bool) *bool { return &b }

var k8sNameSanitizer = regexp.MustCompile("[^a-z0-9]+")

func sanitizeK8sName(name string) string {
	name = strings.ToLower(name)
	name = k8sNameSanitizer.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}
