/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	jumpstarterdevv1alpha1 "github.com/jumpstarter-dev/jumpstarter-controller/api/v1alpha1"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/oidc"
)

var _ = Describe("Exporter Controller", func() {
	Context("When reconciling a resource", func() {
		const resourceName = "test-exporter"

		ctx := context.Background()

		typeNamespacedName := types.NamespacedName{
			Name:      resourceName,
			Namespace: "default",
		}

		reconcileExporter := func(offlineTimeout time.Duration) reconcile.Result {
			signer, err := oidc.NewSignerFromSeed([]byte{}, "https://example.com", "dummy", time.Hour)
			Expect(err).NotTo(HaveOccurred())

			controllerReconciler := &ExporterReconciler{
				Client:         k8sClient,
				Scheme:         k8sClient.Scheme(),
				Signer:         signer,
				OfflineTimeout: offlineTimeout,
			}

			res, err := controllerReconciler.Reconcile(ctx, reconcile.Request{
				NamespacedName: typeNamespacedName,
			})
			Expect(err).NotTo(HaveOccurred())
			return res
		}

		BeforeEach(func() {
			resource := &jumpstarterdevv1alpha1.Exporter{
				ObjectMeta: metav1.ObjectMeta{
					Name:      resourceName,
					Namespace: "default",
				},
			}
			Expect(k8sClient.Create(ctx, resource)).To(Succeed())
		})

		AfterEach(func() {
			resource := &jumpstarterdevv1alpha1.Exporter{}
			err := k8sClient.Get(ctx, typeNamespacedName, resource)
			Expect(err).NotTo(HaveOccurred())
			Expect(k8sClient.Delete(ctx, resource)).To(Succeed())

			// the cascade delete of secrets does not work on test env
			// https://book.kubebuilder.io/reference/envtest#testing-considerations
			Expect(k8sClient.Delete(ctx, &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{
					Name:      resourceName + "-exporter",
					Namespace: "default",
				},
			})).To(Succeed())
		})

		It("should create the credential secret and record it", func() {
			_ = reconcileExporter(0)

			secret := &corev1.Secret{}
			Expect(k8sClient.Get(ctx, types.NamespacedName{
				Namespace: "default",
				Name:      resourceName + "-exporter",
			}, secret)).To(Succeed())
			Expect(secret.Data).To(HaveKey(TokenKey))

			resource := getExporter(ctx, resourceName)
			Expect(resource.Status.Credential).NotTo(BeNil())
			Expect(resource.Status.Credential.Name).To(Equal(secret.Name))
			Expect(resource.Status.Endpoint).NotTo(BeEmpty())
		})

		It("should report an exporter that never connected as offline", func() {
			res := reconcileExporter(0)
			Expect(res.RequeueAfter).To(BeZero())

			resource := getExporter(ctx, resourceName)
			Expect(resource.IsOnline()).To(BeFalse())
			condition := meta.FindStatusCondition(resource.Status.Conditions,
				string(jumpstarterdevv1alpha1.ExporterConditionTypeOnline))
			Expect(condition).NotTo(BeNil())
			Expect(condition.Reason).To(Equal("NeverSeen"))
		})

		It("should report a recently seen exporter as online and recheck later", func() {
			resource := getExporter(ctx, resourceName)
			resource.Status.LastSeen = metav1.Time{Time: time.Now()}
			Expect(k8sClient.Status().Update(ctx, resource)).To(Succeed())

			res := reconcileExporter(time.Minute)
			Expect(res.RequeueAfter).To(BeNumerically(">", 0))

			resource = getExporter(ctx, resourceName)
			Expect(resource.IsOnline()).To(BeTrue())
		})

		It("should report a stale exporter as offline", func() {
			resource := getExporter(ctx, resourceName)
			resource.Status.LastSeen = metav1.Time{Time: time.Now().Add(-time.Hour)}
			Expect(k8sClient.Status().Update(ctx, resource)).To(Succeed())

			res := reconcileExporter(time.Minute)
			Expect(res.RequeueAfter).To(BeZero())

			resource = getExporter(ctx, resourceName)
			Expect(resource.IsOnline()).To(BeFalse())
		})

		It("should register an exporter once it reports devices", func() {
			resource := getExporter(ctx, resourceName)
			resource.Status.Devices = []jumpstarterdevv1alpha1.Device{{
				Uuid:   "3127d3a1-6828-4a23-911b-7a906cfd52b4",
				Labels: map[string]string{"board": "rpi4"},
			}}
			Expect(k8sClient.Status().Update(ctx, resource)).To(Succeed())

			_ = reconcileExporter(0)

			resource = getExporter(ctx, resourceName)
			condition := meta.FindStatusCondition(resource.Status.Conditions,
				string(jumpstarterdevv1alpha1.ExporterConditionTypeRegistered))
			Expect(condition).NotTo(BeNil())
			Expect(condition.Status).To(Equal(metav1.ConditionTrue))
		})
	})
})
