package runtime

import (
	"fmt"
	"sort"

	"github.com/spf13/viper"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/open-runtimes/k8s-executor/constants"
	"github.com/open-runtimes/k8s-executor/types"
)

// cleanupImage runs the object-store prefix cleanup; any image with the aws
// CLI works.
const cleanupImage = "amazon/aws-cli:2.17.16"

const buildWorkDir = "/usr/local/build"

// buildRunner wraps the user command so build output is captured. v4/v5 use
// script(1) to produce the logs+timings pair; v2 tees plain output. Both
// finish by pushing the artifact to the object store.
func buildRunner(version types.Version, command, artifactPath string) string {
	upload := fmt.Sprintf(
		`tar -C %s -czf /tmp/artifact.tar.gz . && aws s3 cp /tmp/artifact.tar.gz "s3://${S3_BUCKET}/%s" --endpoint-url "${S3_ENDPOINT}"`,
		buildWorkDir, artifactPath,
	)

	if version == types.V2 {
		return fmt.Sprintf(`set -e -o pipefail
cd %s
( %s ) 2>&1 | tee %s
%s`, buildWorkDir, command, constants.V2LogPath, upload)
	}

	return fmt.Sprintf(`set -e
mkdir -p %s
script --return --quiet --log-out %s --log-timing %s --command 'cd %s && ( %s )'
%s`, constants.LoggingDir, constants.BuildLogPath, constants.TimingPath, buildWorkDir, command, upload)
}

const initRunner = `mkdir -p ` + buildWorkDir + `
if [ -n "$OPR_SOURCE" ]; then
  echo "$OPR_SOURCE" | base64 -d > /tmp/code.tar.gz
  tar -xzf /tmp/code.tar.gz -C ` + buildWorkDir + `
fi`

// buildJobSpec materializes the ephemeral build job. The pod gets the user's
// image, the source as a base64 env consumed by the init container, and the
// object-store credentials for the final upload.
func (m *Manager) buildJobSpec(jobName string, req *types.CreateRequest, variables map[string]string, sourceB64, artifactPath string) *batchv1.Job {
	env := envVars(variables)
	env = append(env, s3Env()...)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: m.namespace,
			Labels: map[string]string{
				constants.LabelRole:      constants.RoleBuild,
				constants.LabelRuntimeID: req.RuntimeID,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To(int32(0)),
			TTLSecondsAfterFinished: ptr.To(constants.BuildJobTTL),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						constants.LabelRole:      constants.RoleBuild,
						constants.LabelRuntimeID: req.RuntimeID,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					InitContainers: []corev1.Container{
						{
							Name:    constants.InitContainer,
							Image:   req.Image,
							Command: []string{"sh", "-c", initRunner},
							Env: []corev1.EnvVar{
								{Name: "OPR_SOURCE", Value: sourceB64},
							},
							VolumeMounts: buildMounts(),
						},
					},
					Containers: []corev1.Container{
						{
							Name:         constants.BuildContainer,
							Image:        req.Image,
							Command:      []string{"sh", "-c", buildRunner(req.Version, req.Command, artifactPath)},
							Env:          env,
							VolumeMounts: buildMounts(),
							Resources:    resources(req.CPUs, req.Memory),
						},
					},
					Volumes: []corev1.Volume{
						{Name: "build", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
					},
				},
			},
		},
	}
}

// cleanupJobSpec removes every artifact under the runtime's prefix. Best
// effort: nothing waits on it.
func (m *Manager) cleanupJobSpec(jobName, runtimeID string) *batchv1.Job {
	command := fmt.Sprintf(`aws s3 rm "s3://${S3_BUCKET}/%s/" --recursive --endpoint-url "${S3_ENDPOINT}"`, runtimeID)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: m.namespace,
			Labels: map[string]string{
				constants.LabelRole:      "cleanup",
				constants.LabelRuntimeID: runtimeID,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To(int32(0)),
			TTLSecondsAfterFinished: ptr.To(constants.BuildJobTTL),
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    "cleanup-container",
							Image:   cleanupImage,
							Command: []string{"sh", "-c", command},
							Env:     s3Env(),
						},
					},
				},
			},
		},
	}
}

// deploymentSpec materializes the runtime deployment at zero replicas. The
// annotations are the runtime's entire lifecycle state.
func (m *Manager) deploymentSpec(req *types.CreateRequest, variables map[string]string, secret, hostname string, created int64) *appsv1.Deployment {
	labels := map[string]string{
		constants.LabelRole:      constants.RoleRuntime,
		constants.LabelRuntimeID: req.RuntimeID,
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      DeploymentName(req.RuntimeID),
			Namespace: m.namespace,
			Labels:    labels,
			Annotations: map[string]string{
				annotation("version"):             string(req.Version),
				annotation("secret"):              secret,
				annotation("hostname"):            hostname,
				annotation("created"):             fmt.Sprintf("%d", created),
				annotation("updated"):             fmt.Sprintf("%d", created),
				annotation("status"):              "pending",
				annotation("initialised"):         "0",
				annotation("listening"):           "0",
				annotation("last-execution-time"): fmt.Sprintf("%d", created),
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(0)),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{constants.LabelRuntimeID: req.RuntimeID},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  constants.RuntimeContainer,
							Image: req.Image,
							Env:   envVars(variables),
							Ports: []corev1.ContainerPort{
								{ContainerPort: int32(constants.RuntimePort)},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "logs", MountPath: constants.ExecutionLogs},
							},
							Resources: resources(req.CPUs, req.Memory),
						},
					},
					Volumes: []corev1.Volume{
						{Name: "logs", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
					},
				},
			},
		},
	}
}

func (m *Manager) serviceSpec(runtimeID string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ServiceName(runtimeID),
			Namespace: m.namespace,
			Labels: map[string]string{
				constants.LabelRole:      constants.RoleRuntime,
				constants.LabelRuntimeID: runtimeID,
			},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{constants.LabelRuntimeID: runtimeID},
			Ports: []corev1.ServicePort{
				{Port: int32(constants.RuntimePort)},
			},
		},
	}
}

// envVars renders a variables map in a stable order.
func envVars(variables map[string]string) []corev1.EnvVar {
	names := make([]string, 0, len(variables))
	for name := range variables {
		names = append(names, name)
	}
	sort.Strings(names)

	env := make([]corev1.EnvVar, 0, len(names))
	for _, name := range names {
		env = append(env, corev1.EnvVar{Name: name, Value: variables[name]})
	}
	return env
}

// s3Env exposes the executor's object-store credentials to pods that upload
// or delete artifacts with the aws CLI.
func s3Env() []corev1.EnvVar {
	return []corev1.EnvVar{
		{Name: "S3_ENDPOINT", Value: viper.GetString(constants.EnvS3Endpoint)},
		{Name: "S3_BUCKET", Value: viper.GetString(constants.EnvS3Bucket)},
		{Name: "AWS_REGION", Value: viper.GetString(constants.EnvS3Region)},
		{Name: "AWS_ACCESS_KEY_ID", Value: viper.GetString(constants.EnvS3AccessKeyID)},
		{Name: "AWS_SECRET_ACCESS_KEY", Value: viper.GetString(constants.EnvS3SecretAccessKey)},
	}
}

func resources(cpus float64, memory int64) corev1.ResourceRequirements {
	limits := corev1.ResourceList{}
	if cpus > 0 {
		limits[corev1.ResourceCPU] = parseQuantity(fmt.Sprintf("%g", cpus))
	}
	if memory > 0 {
		limits[corev1.ResourceMemory] = parseQuantity(fmt.Sprintf("%dMi", memory))
	}
	if len(limits) == 0 {
		return corev1.ResourceRequirements{}
	}
	return corev1.ResourceRequirements{Limits: limits, Requests: limits}
}

func parseQuantity(s string) resource.Quantity {
	q, _ := resource.ParseQuantity(s)
	return q
}

func buildMounts() []corev1.VolumeMount {
	return []corev1.VolumeMount{
		{Name: "build", MountPath: buildWorkDir},
	}
}
